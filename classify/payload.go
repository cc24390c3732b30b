package classify

import (
	"fmt"
	"mime"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ImagePayload is the image handed to the classifier by whatever captured it.
// The client reads it once per request and never mutates it.
type ImagePayload struct {
	Data      []byte
	MediaType string
	Filename  string
}

func (p *ImagePayload) validate() error {
	if p == nil || len(p.Data) == 0 {
		return fmt.Errorf("image payload is empty")
	}

	mt, _, err := mime.ParseMediaType(p.MediaType)
	if err != nil {
		return fmt.Errorf("invalid media type %q: %w", p.MediaType, err)
	}

	// ParseMediaType also accepts bare disposition tokens like "jpeg"
	typ, sub, ok := strings.Cut(mt, "/")
	if !ok || typ == "" || sub == "" {
		return fmt.Errorf("invalid media type %q: expected type/subtype", p.MediaType)
	}

	return nil
}

// Fingerprint returns a CIDv1 over the image bytes. It identifies a payload in
// logs and history; it is never used to skip or merge submissions.
func (p *ImagePayload) Fingerprint() (cid.Cid, error) {
	pref := cid.NewPrefixV1(cid.Raw, mh.SHA2_256)
	return pref.Sum(p.Data)
}
