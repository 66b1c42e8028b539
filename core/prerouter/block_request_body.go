package prerouter

import (
	"net/http"

	"github.com/caasmo/threatguard/config"
)

var bodyTooLargeResponse = mustMarshal(deniedBody{Error: "Request entity too large", Message: "Request body exceeds the configured limit"})

// BlockRequestBody limits the size of request bodies forwarded upstream.
type BlockRequestBody struct {
	cfg      config.BlockRequestBody
	excluded map[string]struct{}
}

func NewBlockRequestBody(cfg config.BlockRequestBody) *BlockRequestBody {
	excluded := make(map[string]struct{}, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = struct{}{}
	}
	return &BlockRequestBody{cfg: cfg, excluded: excluded}
}

// Execute rejects a declared oversized body with 413 and caps the others,
// so an upstream read past the limit fails.
func (b *BlockRequestBody) Execute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.cfg.Activated {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := b.excluded[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > b.cfg.Limit {
			writeJson(w, http.StatusRequestEntityTooLarge, bodyTooLargeResponse)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.cfg.Limit)
		next.ServeHTTP(w, r)
	})
}
