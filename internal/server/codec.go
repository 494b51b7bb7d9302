package server

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/Charancs/v-try-on-FP2/internal/relayerr"
)

// decodeFrameData accepts plain base64 or a base64 data: URI.
func decodeFrameData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		header, body, ok := strings.Cut(s, ",")
		if !ok {
			return nil, relayerr.Decode("data uri without payload", nil)
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, relayerr.Decode("data uri is not base64", nil)
		}
		s = body
	}
	if s == "" {
		return nil, relayerr.Decode("empty frame", nil)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some browsers drop the padding.
		if b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
			return nil, relayerr.Decode("invalid base64", err)
		}
	}
	if len(b) == 0 {
		return nil, relayerr.Decode("empty frame", nil)
	}
	return b, nil
}

func encodeFrameData(b []byte, dataURI bool) string {
	enc := base64.StdEncoding.EncodeToString(b)
	if !dataURI {
		return enc
	}
	mime, _, _ := strings.Cut(http.DetectContentType(b), ";")
	return "data:" + mime + ";base64," + enc
}
