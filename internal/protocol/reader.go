package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ParseHeader decodifica um header a partir de um buffer de pelo menos
// HeaderSize bytes. O kind não é validado aqui: frames de kind desconhecido
// ainda precisam ter o body consumido pelo caller para manter o framing.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(buf))
	}

	h := Header{
		Sender: cstr(buf[:SenderSize]),
		Kind:   Kind(binary.LittleEndian.Uint32(buf[SenderSize : SenderSize+4])),
		Length: binary.LittleEndian.Uint64(buf[HeaderSize-8 : HeaderSize]),
	}

	if h.Length > MaxBodySize {
		return h, fmt.Errorf("%w: declared %d bytes", ErrBodyTooLarge, h.Length)
	}
	return h, nil
}

// ReadHeader bloqueia até ler um header completo de r. Um EOF limpo entre
// frames é devolvido como io.EOF; um EOF no meio do header vira
// io.ErrUnexpectedEOF, o que permite ao caller distinguir desconexão
// ordenada de frame truncado.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, fmt.Errorf("reading frame header: %w", err)
	}
	return ParseHeader(buf)
}

// ReadBody lê o body declarado pelo header. Headers com Length zero retornam
// body nil sem tocar em r.
func ReadBody(r io.Reader, h Header) ([]byte, error) {
	if h.Length == 0 {
		return nil, nil
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// DecodeFileInfo decodifica o body de um FILE_START. O body precisa ter
// exatamente FileInfoSize bytes.
func DecodeFileInfo(body []byte) (FileInfo, error) {
	if len(body) != FileInfoSize {
		return FileInfo{}, fmt.Errorf("%w: %d bytes", ErrInvalidFileInfo, len(body))
	}
	return FileInfo{
		Name: cstr(body[:FileNameSize]),
		Size: binary.LittleEndian.Uint64(body[FileNameSize:]),
	}, nil
}

// cstr devolve os bytes até o primeiro NUL, ou o buffer inteiro quando não
// há terminador.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
