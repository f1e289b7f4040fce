package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sua-org/cam-stream/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 1024,
	// dispositivos não mandam Origin de navegador
	CheckOrigin: func(*http.Request) bool { return true },
}

// ingestFrames aceita um JPEG ou um stream de JPEGs concatenados; cada frame
// recortado vira um push. Serve também para upload contínuo (chunked).
func (s *Server) ingestFrames(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	n, err := stream.ScanFrames(r.Body, s.opts.MaxFrameBytes, func(frame []byte) error {
		return s.engine.Push(sourceID, frame)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if n == 0 {
		writeError(w, stream.ErrNotJPEG)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"frames": n})
}

// ingestWebSocket recebe frames como mensagens binárias. Fechar a conexão
// não derruba a fonte: quem faz isso é o timer de expiração.
func (s *Server) ingestWebSocket(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	log := s.log.With().Str("source_id", sourceID).Str("remote_addr", r.RemoteAddr).Logger()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(int64(s.opts.MaxFrameBytes) * 2)
	log.Info().Msg("websocket ingest connected")

	frames := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.WSIdleTimeout)); err != nil {
			log.Warn().Err(err).Msg("set websocket read deadline")
		}
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Int("frames", frames).Msg("websocket ingest closed unexpectedly")
			} else {
				log.Info().Int("frames", frames).Msg("websocket ingest closed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		n, err := stream.ScanFrames(bytes.NewReader(msg), s.opts.MaxFrameBytes, func(frame []byte) error {
			return s.engine.Push(sourceID, frame)
		})
		frames += n
		if err != nil {
			log.Warn().Err(err).Msg("websocket frame rejected")
			if errors.Is(err, stream.ErrEngineClosed) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
		}
	}
}

// viewStream entrega multipart/x-mixed-replace até o engine encerrar o viewer
// ou o cliente desconectar.
func (s *Server) viewStream(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	h := w.Header()
	h.Set("Content-Type", stream.MJPEGContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	v, err := s.engine.AttachViewer(sourceID, stream.NewMJPEGSink(w))
	if err != nil {
		h.Del("Content-Type")
		writeError(w, err)
		return
	}

	select {
	case <-v.Done():
	case <-r.Context().Done():
		s.engine.DetachViewer(sourceID, v)
		// o writer do viewer não pode tocar em w depois que o handler volta
		<-v.Done()
	}
}

func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status(chi.URLParam(r, "sourceID")))
}

func (s *Server) streamSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.engine.Snapshot(chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Header().Set("Last-Modified", frame.ReceivedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame.Data)
}

func (s *Server) endStream(w http.ResponseWriter, r *http.Request) {
	s.engine.EndSource(chi.URLParam(r, "sourceID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": s.engine.Statuses()})
}
