package stream

import "errors"

var (
	ErrEngineClosed    = errors.New("stream engine closed")
	ErrInvalidSource   = errors.New("source id obrigatório")
	ErrEmptyFrame      = errors.New("frame vazio")
	ErrNotJPEG         = errors.New("frame não é JPEG (sem marcador FFD8)")
	ErrFrameTooLarge   = errors.New("frame excede o tamanho máximo")
	ErrSinkWriteFailed = errors.New("falha ao escrever no viewer")

	// ErrSourceNotFound é "soft": attach antes do primeiro frame é permitido.
	ErrSourceNotFound = errors.New("source not found")
)
