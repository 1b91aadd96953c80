package eventbus

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stagefeed/errs"
	"github.com/coachpo/stagefeed/internal/domain/schema"
)

func enforceMetaPayloadCap(meta schema.Meta, capBytes int) error {
	if meta.Len() == 0 || capBytes <= 0 {
		return nil
	}
	size, err := metaPayloadSize(meta)
	if err != nil {
		return fmt.Errorf("eventbus meta payload encode: %w", err)
	}
	if size > capBytes {
		return errs.New(
			"eventbus/meta",
			errs.CodeMalformedEmit,
			errs.WithMessage(fmt.Sprintf("meta payload %d bytes exceeds cap %d bytes", size, capBytes)),
		)
	}
	return nil
}

func metaPayloadSize(meta schema.Meta) (int, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
