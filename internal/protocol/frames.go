// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Chat License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário N-Chat falado entre clients
// e server sobre TCP: frames de header fixo (80 bytes, little-endian) seguidos
// de um body de tamanho variável.
package protocol

import "errors"

// Layout do frame no wire. Todos os inteiros são little-endian.
const (
	// SenderSize é o tamanho fixo do campo sender no header (63 bytes úteis + NUL).
	SenderSize = 64

	// HeaderSize é o tamanho total do header: sender[64] + kind uint32 +
	// 4 bytes de padding + length uint64.
	HeaderSize = 80

	// FileNameSize é o tamanho fixo do campo filename no FileInfo (255 + NUL).
	FileNameSize = 256

	// FileInfoSize é o tamanho exato do body de um FILE_START:
	// filename[256] + file_size uint64.
	FileInfoSize = 264

	// MaxBodySize é o limite server-wide para o body de um frame. Grande o
	// bastante para um chunk de arquivo, pequeno o bastante para que um peer
	// malicioso não esgote a memória do server.
	MaxBodySize = 16 << 20
)

// SenderServer é o sender usado em todo frame originado pelo server
// (respostas de auth, INITIAL, PING_OK).
const SenderServer = "SERVER"

// Kind identifica o tipo de um frame.
type Kind uint32

// Kinds do protocolo, numerados a partir de 0.
const (
	KindRegister     Kind = iota // credencial opaca → auth adapter
	KindLogin                    // credencial opaca → auth adapter
	KindRegisterOK               // body vazio
	KindRegisterFail             // body vazio
	KindLoginOK                  // body vazio
	KindLoginFail                // body vazio
	KindInitial                  // lista de nomes online separada por vírgula
	KindJoin                     // body vazio; sender carrega o nome proposto
	KindExit                     // body vazio
	KindGroupMsg                 // texto UTF-8 (tamanho zero é legal)
	KindFileStart                // body = FileInfo (exatamente 264 bytes)
	KindFileData                 // chunk opaco de arquivo
	KindFileEnd                  // body vazio
	KindPing                     // body arbitrário aceito
	KindPingOK                   // body vazio

	kindCount
)

var kindNames = [...]string{
	"REGISTER", "LOGIN", "REGISTER_OK", "REGISTER_FAIL", "LOGIN_OK",
	"LOGIN_FAIL", "INITIAL", "JOIN", "EXIT", "GROUP_MSG", "FILE_START",
	"FILE_DATA", "FILE_END", "PING", "PING_OK",
}

// Known reporta se k é um kind enumerado do protocolo.
func (k Kind) Known() bool { return k < kindCount }

// String retorna o nome do kind para logs e eventos.
func (k Kind) String() string {
	if k.Known() {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// Erros do protocolo.
var (
	ErrBodyTooLarge    = errors.New("protocol: body length exceeds limit")
	ErrShortHeader     = errors.New("protocol: short header")
	ErrInvalidFileInfo = errors.New("protocol: invalid file info body")
)

// Header é o cabeçalho fixo de um frame.
type Header struct {
	Sender string
	Kind   Kind
	Length uint64
}

// FileInfo é o body de um FILE_START: nome do arquivo e tamanho total
// declarado. O receiver espera que a soma dos FILE_DATA subsequentes do mesmo
// sender atinja Size antes do FILE_END.
type FileInfo struct {
	Name string
	Size uint64
}
