package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/paths"
)

// DefaultMaxAttachmentBytes caps a single attached file.
const DefaultMaxAttachmentBytes = 20 << 20

// ErrAttachmentTooLarge is returned for files over the size limit.
var ErrAttachmentTooLarge = errors.New("attachment too large")

// prepareAttachments reads in.Attachments and appends them to in.Files.
func (o *Orchestrator) prepareAttachments(in Input) ([]llm.Attachment, error) {
	files := append([]llm.Attachment(nil), in.Files...)
	for _, path := range in.Attachments {
		a, err := loadAttachment(path, o.opts.MaxAttachmentBytes)
		if err != nil {
			L_warn("orchestrator: attachment failed", "path", path, "error", err)
			return nil, err
		}
		L_debug("orchestrator: attachment loaded", "name", a.Name, "mime", a.MimeType, "bytes", len(a.Data))
		files = append(files, a)
	}
	return files, nil
}

// loadAttachment reads path (~ expanded) and sniffs its MIME type from the content.
func loadAttachment(path string, maxBytes int64) (llm.Attachment, error) {
	name := filepath.Base(path)
	path, err := paths.ExpandTilde(path)
	if err != nil {
		return llm.Attachment{}, fmt.Errorf("could not read attachment %s: %w", name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return llm.Attachment{}, fmt.Errorf("could not read attachment %s: %w", name, err)
	}
	if info.IsDir() {
		return llm.Attachment{}, fmt.Errorf("could not read attachment %s: is a directory", name)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return llm.Attachment{}, fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrAttachmentTooLarge, name, info.Size(), maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return llm.Attachment{}, fmt.Errorf("could not read attachment %s: %w", name, err)
	}

	mime := mimetype.Detect(data).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return llm.Attachment{Name: name, MimeType: mime, Data: data}, nil
}
