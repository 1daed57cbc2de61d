package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeHeader escreve um header nos primeiros HeaderSize bytes de dst.
// Formato: [Sender 64B NUL-padded] [Kind uint32 LE 4B] [pad 4B] [Length uint64 LE 8B]
// Senders maiores que 63 bytes são truncados; o terminador NUL é garantido.
func EncodeHeader(dst []byte, kind Kind, sender string, length uint64) {
	_ = dst[:HeaderSize]
	for i := range dst[:HeaderSize] {
		dst[i] = 0
	}
	if len(sender) > SenderSize-1 {
		sender = sender[:SenderSize-1]
	}
	copy(dst[:SenderSize-1], sender)
	binary.LittleEndian.PutUint32(dst[SenderSize:SenderSize+4], uint32(kind))
	binary.LittleEndian.PutUint64(dst[HeaderSize-8:HeaderSize], length)
}

// EncodeFrame serializa um frame completo (header + body) em um único buffer.
// O buffer resultante pode ser compartilhado entre vários writers: broadcast
// encoda uma vez e enfileira a mesma fatia para cada destino.
func EncodeFrame(kind Kind, sender string, body []byte) ([]byte, error) {
	if uint64(len(body)) > MaxBodySize {
		return nil, fmt.Errorf("%w: encoding %d bytes", ErrBodyTooLarge, len(body))
	}
	frame := make([]byte, HeaderSize+len(body))
	EncodeHeader(frame, kind, sender, uint64(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// WriteFrame encoda e escreve um frame em w com um único Write.
func WriteFrame(w io.Writer, kind Kind, sender string, body []byte) error {
	frame, err := EncodeFrame(kind, sender, body)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", kind, err)
	}
	return nil
}

// EncodeFileInfo serializa o body de um FILE_START.
// Formato: [Name 256B NUL-padded] [Size uint64 LE 8B]
// Nomes maiores que 255 bytes são truncados.
func EncodeFileInfo(info FileInfo) []byte {
	body := make([]byte, FileInfoSize)
	name := info.Name
	if len(name) > FileNameSize-1 {
		name = name[:FileNameSize-1]
	}
	copy(body[:FileNameSize-1], name)
	binary.LittleEndian.PutUint64(body[FileNameSize:], info.Size)
	return body
}
