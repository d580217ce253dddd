package mailparser

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

var charsets = map[string]encoding.Encoding{
	"iso-2022-jp": japanese.ISO2022JP,
	"shift_jis":   japanese.ShiftJIS,
	"sjis":        japanese.ShiftJIS,
	"cp932":       japanese.ShiftJIS,
	"euc-jp":      japanese.EUCJP,
	"utf-16":      unicode.UTF16(unicode.BigEndian, unicode.UseBOM),
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		if enc, ok := charsets[strings.ToLower(charset)]; ok {
			return enc.NewDecoder().Reader(input), nil
		}
		// 未知の文字コードはそのまま通す
		return input, nil
	},
}

// DecodeHeader decodes RFC 2047 encoded-words, as browsers and mail clients
// send them in multipart file names and headers.
func DecodeHeader(header string) (string, error) {
	return wordDecoder.DecodeHeader(header)
}
