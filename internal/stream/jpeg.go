package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG é um bufio.SplitFunc que recorta JPEGs de um stream concatenado
// usando os marcadores FFD8 (início) e FFD9 (fim). Lixo entre frames é
// descartado; um frame truncado no EOF também.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Mantém um 0xFF solto no fim: pode ser metade do marcador.
		if data[len(data)-1] == 0xFF {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// descarta o prefixo e pede mais dados
		return start, nil, nil
	}

	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

// ScanFrames lê r até EOF e chama fn para cada JPEG encontrado.
// O slice passado para fn só é válido durante a chamada.
func ScanFrames(r io.Reader, maxFrameBytes int, fn func(frame []byte) error) (int, error) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 2 << 20
	}
	initial := 64 * 1024
	if initial > maxFrameBytes {
		initial = maxFrameBytes
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initial), maxFrameBytes)
	sc.Split(SplitJPEG)

	n := 0
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return n, ErrFrameTooLarge
		}
		return n, err
	}
	return n, nil
}

// IsJPEG confere só os marcadores de início e fim.
func IsJPEG(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, jpegSOI) && bytes.HasSuffix(data, jpegEOI)
}
