package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"pasteforge/pkg/domain"
	"pasteforge/svc/util"
)

const maxJSONBody = 64 * 1024

var validate = validator.New()

type okResp struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(okResp{Success: true, Data: data})
}

// writeErr renders err as the error envelope. 5xx causes are logged and
// masked.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.Status(err)
	body := domain.ToResp(err)
	if status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		if !errors.Is(err, domain.ErrUnavailable) {
			body = domain.ToResp(domain.ErrInternalServer)
		}
	}
	body.RequestID = util.GetRequestID(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decode reads a JSON body of at most limit bytes into dst and runs the
// validate tags on it.
func decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return domain.ErrInvalidRequest
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		return domain.ErrInvalidRequest
	}
	if r.ContentLength > limit {
		return domain.ErrPasteTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return domain.ErrPasteTooLarge
		}
		if err != io.EOF {
			hlog.FromRequest(r).Debug().Err(err).Msg("bad request body")
		}
		return domain.ErrInvalidRequest
	}
	if err := validate.Struct(dst); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("request validation failed")
		return domain.ErrInvalidRequest
	}
	return nil
}

// nfc normalizes user supplied text so equal strings compare equal.
func nfc(s string) string {
	return norm.NFC.String(strings.ToValidUTF8(s, ""))
}

func nfcPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := nfc(*s)
	return &v
}

func page(r *http.Request) domain.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return domain.Page{Limit: limit, Offset: offset}
}

// Tags accepts either a JSON array or a comma separated string.
type Tags []string

func (t *Tags) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*t = list
		return nil
	}
	var csv string
	if err := json.Unmarshal(b, &csv); err != nil {
		return errors.New("tags must be an array or a comma separated string")
	}
	*t = []string{csv}
	return nil
}
