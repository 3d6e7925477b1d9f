package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	pcerrors "github.com/bibin-skaria/pkgchunk/internal/errors"
	"github.com/bibin-skaria/pkgchunk/internal/types"
)

// SourceImage is the metadata of the image whose root filesystem is being
// rechunked.
type SourceImage struct {
	Created      time.Time
	Author       string
	Architecture string
	OS           string
	OSVersion    string
	Variant      string
	Config       v1.Config
}

// ParseSourceImage accepts an OCI image config, or the output of
// "podman inspect" / "docker inspect" for a single image (an object or a
// one-element array). Keys are matched case-insensitively, which covers
// both the config document and the inspect spellings.
func ParseSourceImage(data []byte) (*SourceImage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, pcerrors.NewInputError("parse_config", "source image configuration is empty", nil)
	}

	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, pcerrors.NewInputError("parse_config", "malformed source image configuration", err)
		}
		if len(items) != 1 {
			return nil, pcerrors.NewInputError("parse_config",
				fmt.Sprintf("expected exactly one image in inspect output, got %d", len(items)), nil)
		}
		data = bytes.TrimSpace(items[0])
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, pcerrors.NewInputError("parse_config", "source image configuration must be a JSON object", nil)
	}

	cf, err := v1.ParseConfigFile(bytes.NewReader(data))
	if err != nil {
		return nil, pcerrors.NewInputError("parse_config", "malformed source image configuration", err)
	}

	src := &SourceImage{
		Author:       cf.Author,
		Architecture: cf.Architecture,
		OS:           cf.OS,
		OSVersion:    cf.OSVersion,
		Variant:      cf.Variant,
		Config:       cf.Config,
	}
	if !cf.Created.Time.IsZero() {
		src.Created = cf.Created.Time.UTC()
	}
	return src, nil
}

// Platform returns the normalized platform of the source image. The host
// architecture is used when the source does not record one.
func (s *SourceImage) Platform() Platform {
	p := Platform{
		Architecture: types.NormalizeArch(s.Architecture),
		OS:           s.OS,
		Variant:      s.Variant,
	}
	if p.Architecture == "" {
		p.Architecture = types.GetHostPlatform().Architecture
	}
	if p.OS == "" {
		p.OS = "linux"
	}
	return p
}

// ResolveTimestamp picks the build timestamp: the explicit override when
// given, else the source image creation time. The wall clock is never used.
func ResolveTimestamp(override *time.Time, source *SourceImage) (time.Time, error) {
	if override != nil {
		return override.Truncate(time.Second).UTC(), nil
	}
	if source != nil && !source.Created.IsZero() {
		return source.Created.Truncate(time.Second).UTC(), nil
	}
	return time.Time{}, pcerrors.NewErrorBuilder().
		Category(pcerrors.ErrorCategoryUsage).
		Operation("resolve_timestamp").
		Message("no build timestamp: the source image records no creation time and no override was given").
		Suggestion("Set SOURCE_DATE_EPOCH or pass --source-date-epoch").
		Build()
}
