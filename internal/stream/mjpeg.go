package stream

import (
	"fmt"
	"io"
	"net/http"

	"github.com/sua-org/cam-stream/internal/core"
)

// MJPEGBoundary é o boundary fixo do multipart de saída.
const MJPEGBoundary = "frame"

// MJPEGContentType vai no header da resposta do viewer.
const MJPEGContentType = "multipart/x-mixed-replace; boundary=" + MJPEGBoundary

// MJPEGSink escreve frames como partes de um multipart/x-mixed-replace.
// Não fecha a conexão: quem é dono do writer é a camada HTTP.
type MJPEGSink struct {
	w       io.Writer
	flusher http.Flusher
}

func NewMJPEGSink(w io.Writer) *MJPEGSink {
	s := &MJPEGSink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *MJPEGSink) WriteFrame(frame core.Frame) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		MJPEGBoundary, len(frame.Data))
	if _, err := io.WriteString(s.w, header); err != nil {
		return err
	}
	if _, err := s.w.Write(frame.Data); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "\r\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
