package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/atotto/clipboard"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
)

// ExportService turns workflow snapshots into side effects: a downloadable
// JSON artifact on disk, or the draft text on the system clipboard. It only
// ever reads snapshots; workflow state stays untouched.
type ExportService struct {
	dir    string
	prefix string
	logger *logger.Logger
	now    func() time.Time
}

// ExportReceipt describes a written artifact file.
type ExportReceipt struct {
	FileName  string
	Path      string
	SizeBytes int64
}

func NewExportService(cfg config.ExportConfig, log *logger.Logger) *ExportService {
	return &ExportService{
		dir:    cfg.Dir,
		prefix: cfg.FilePrefix,
		logger: log,
		now:    time.Now,
	}
}

// BuildArtifact assembles the export document from a snapshot. A draft must
// be present; news and profile are included when available.
func (service *ExportService) BuildArtifact(snapshot *models.StateSnapshot) (*models.ExportArtifact, error) {
	if snapshot == nil || snapshot.Draft == nil {
		return nil, models.NewPreconditionError("export", "a drafted message")
	}

	artifact := &models.ExportArtifact{
		DraftMessage:      snapshot.Draft.Message,
		DraftMetadata:     &snapshot.Draft.Metadata,
		Timestamp:         service.now().Format(time.RFC3339),
		FullProfileResult: snapshot.Profile,
	}
	if snapshot.News != nil {
		artifact.NewsItems = snapshot.News.Items
	}
	return artifact, nil
}

// ExportToFile writes the artifact as pretty-printed JSON, named with a
// timestamp-derived suffix so repeated exports never collide.
func (service *ExportService) ExportToFile(snapshot *models.StateSnapshot) (*ExportReceipt, error) {
	startTime := time.Now()

	artifact, err := service.BuildArtifact(snapshot)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding export artifact failed: %w", err)
	}

	if err := os.MkdirAll(service.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory %s failed: %w", service.dir, err)
	}

	suffix := service.now().Format("20060102-150405")
	fileName := fmt.Sprintf("%s-%s.json", service.prefix, suffix)
	path := filepath.Join(service.dir, fileName)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing export artifact failed: %w", err)
	}

	receipt := &ExportReceipt{
		FileName:  fileName,
		Path:      path,
		SizeBytes: int64(len(data)),
	}

	service.logger.LogService("export", "export_to_file", time.Since(startTime), logger.Fields{
		"session_id": snapshot.SessionID,
		"file_name":  receipt.FileName,
		"size_bytes": receipt.SizeBytes,
	}, nil)

	return receipt, nil
}

// CopyDraft places the draft message verbatim on the system clipboard and
// reports how many characters were copied.
func (service *ExportService) CopyDraft(snapshot *models.StateSnapshot) (int, error) {
	if snapshot == nil || snapshot.Draft == nil {
		return 0, models.NewPreconditionError("copy", "a drafted message")
	}

	startTime := time.Now()
	message := snapshot.Draft.Message

	if err := clipboard.WriteAll(message); err != nil {
		service.logger.LogService("export", "copy_draft", time.Since(startTime), logger.Fields{
			"session_id": snapshot.SessionID,
		}, err)
		return 0, fmt.Errorf("clipboard write failed: %w", err)
	}

	characters := utf8.RuneCountInString(message)
	service.logger.LogService("export", "copy_draft", time.Since(startTime), logger.Fields{
		"session_id": snapshot.SessionID,
		"characters": characters,
	}, nil)

	return characters, nil
}
