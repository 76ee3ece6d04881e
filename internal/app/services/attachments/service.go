// Package attachments stores files uploaded against issues. Metadata
// rows live in the relational store; the bytes go to a blob store
// behind an opaque storage key.
package attachments

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/daygent/daygent/internal/app/domain/attachment"
	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/domain/workspace"
	"github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/services/workspaces"
	"github.com/daygent/daygent/internal/app/storage"
	"github.com/daygent/daygent/internal/blobstore"
	"github.com/daygent/daygent/pkg/logger"
)

// DefaultMaxSize caps uploads at 10MB unless configured otherwise.
const DefaultMaxSize = 10 << 20

const maxFilenameLen = 255

var (
	// ErrTooLarge rejects uploads over the configured size cap.
	ErrTooLarge = errors.New("attachment exceeds the size limit")
	// ErrUnsupportedType rejects content types outside the allowlist.
	ErrUnsupportedType = errors.New("unsupported content type")
)

// allowedTypes is the upload allowlist: images, plain text, pdf and zip.
var allowedTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"text/plain":      true,
	"text/markdown":   true,
	"text/csv":        true,
	"application/pdf": true,
	"application/zip": true,
}

// Service manages attachment uploads, downloads and deletion.
type Service struct {
	store   storage.AttachmentStore
	issues  storage.IssueStore
	events  storage.EventStore
	access  workspaces.AccessChecker
	blobs   blobstore.Store
	log     *logger.Logger
	maxSize int64
	sinks   []issues.EventSink
}

// Option customises service construction.
type Option func(*Service)

// WithMaxSize overrides the default upload size cap.
func WithMaxSize(limit int64) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxSize = limit
		}
	}
}

// New constructs an attachments service.
func New(store storage.AttachmentStore, issueStore storage.IssueStore, events storage.EventStore, access workspaces.AccessChecker, blobs blobstore.Store, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("attachments")
	}
	s := &Service{
		store:   store,
		issues:  issueStore,
		events:  events,
		access:  access,
		blobs:   blobs,
		log:     log,
		maxSize: DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachSink registers an event sink. Attach before serving traffic.
func (s *Service) AttachSink(sink issues.EventSink) {
	if sink != nil {
		s.sinks = append(s.sinks, sink)
	}
}

// Upload validates and stores a file against an issue. The blob is
// written before the metadata row so a row never points at missing
// bytes; a failed insert deletes the blob again.
func (s *Service) Upload(ctx context.Context, actorID, workspaceID, issueID, filename, contentType string, size int64, r io.Reader) (attachment.Attachment, error) {
	if workspaceID == "" {
		return attachment.Attachment{}, fmt.Errorf("workspace_id is required")
	}
	if issueID == "" {
		return attachment.Attachment{}, fmt.Errorf("issue_id is required")
	}
	if _, err := s.access.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return attachment.Attachment{}, err
	}
	if _, err := s.scopedIssue(ctx, workspaceID, issueID); err != nil {
		return attachment.Attachment{}, err
	}
	if size > s.maxSize {
		return attachment.Attachment{}, ErrTooLarge
	}
	mediaType, err := normalizeContentType(contentType)
	if err != nil {
		return attachment.Attachment{}, err
	}

	key, err := newStorageKey()
	if err != nil {
		return attachment.Attachment{}, fmt.Errorf("generate storage key: %w", err)
	}

	// The declared size is advisory; the copy enforces the cap.
	counted := &countingReader{r: io.LimitReader(r, s.maxSize+1)}
	if err := s.blobs.Put(ctx, key, counted); err != nil {
		return attachment.Attachment{}, fmt.Errorf("store blob: %w", err)
	}
	if counted.n > s.maxSize {
		s.discardBlob(ctx, key)
		return attachment.Attachment{}, ErrTooLarge
	}
	if counted.n == 0 {
		s.discardBlob(ctx, key)
		return attachment.Attachment{}, fmt.Errorf("file is empty")
	}

	stored, err := s.store.CreateAttachment(ctx, attachment.Attachment{
		WorkspaceID: workspaceID,
		IssueID:     issueID,
		Filename:    sanitizeFilename(filename),
		ContentType: mediaType,
		Size:        counted.n,
		StorageKey:  key,
		UploadedBy:  actorID,
	})
	if err != nil {
		s.discardBlob(ctx, key)
		return attachment.Attachment{}, fmt.Errorf("create attachment: %w", err)
	}

	s.emit(ctx, issue.Event{
		WorkspaceID: workspaceID,
		IssueID:     issueID,
		Actor:       actorID,
		Kind:        issue.EventAttached,
		To:          stored.Filename,
	})
	s.log.Infof("attachment %s (%s, %d bytes) uploaded to issue %s", stored.ID, stored.Filename, stored.Size, issueID)
	return stored, nil
}

// Download returns the attachment metadata and a reader over its bytes.
// The caller must close the reader.
func (s *Service) Download(ctx context.Context, actorID, workspaceID, id string) (attachment.Attachment, io.ReadCloser, error) {
	if _, err := s.access.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return attachment.Attachment{}, nil, err
	}
	att, err := s.scoped(ctx, workspaceID, id)
	if err != nil {
		return attachment.Attachment{}, nil, err
	}
	rc, err := s.blobs.Get(ctx, att.StorageKey)
	if err != nil {
		return attachment.Attachment{}, nil, fmt.Errorf("open blob: %w", err)
	}
	return att, rc, nil
}

// List returns the attachments of an issue.
func (s *Service) List(ctx context.Context, actorID, workspaceID, issueID string) ([]attachment.Attachment, error) {
	if _, err := s.access.ValidateAccess(ctx, actorID, workspaceID); err != nil {
		return nil, err
	}
	if _, err := s.scopedIssue(ctx, workspaceID, issueID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, issueID)
}

// Delete removes an attachment. Only the uploader or a workspace admin
// may delete. The metadata row goes first; blob removal is best-effort
// because a dangling blob is recoverable garbage while a dangling row
// is a broken download.
func (s *Service) Delete(ctx context.Context, actorID, workspaceID, id string) error {
	role, err := s.access.ValidateAccess(ctx, actorID, workspaceID)
	if err != nil {
		return err
	}
	att, err := s.scoped(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if att.UploadedBy != actorID && !role.AtLeast(workspace.RoleAdmin) {
		return workspaces.ErrForbidden
	}
	if err := s.store.DeleteAttachment(ctx, att.ID); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if err := s.blobs.Delete(ctx, att.StorageKey); err != nil {
		s.log.WithError(err).Warnf("blob %s for deleted attachment %s left behind", att.StorageKey, att.ID)
	}
	return nil
}

func (s *Service) scoped(ctx context.Context, workspaceID, id string) (attachment.Attachment, error) {
	att, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return attachment.Attachment{}, err
	}
	if att.WorkspaceID != workspaceID {
		return attachment.Attachment{}, sql.ErrNoRows
	}
	return att, nil
}

func (s *Service) scopedIssue(ctx context.Context, workspaceID, issueID string) (issue.Issue, error) {
	is, err := s.issues.GetIssue(ctx, issueID)
	if err != nil {
		return issue.Issue{}, err
	}
	if is.WorkspaceID != workspaceID {
		return issue.Issue{}, sql.ErrNoRows
	}
	return is, nil
}

func (s *Service) discardBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.WithError(err).Warnf("discard blob %s failed", key)
	}
}

func (s *Service) emit(ctx context.Context, ev issue.Event) {
	stored, err := s.events.AppendEvent(ctx, ev)
	if err != nil {
		s.log.WithError(err).Warnf("append %s event for issue %s failed", ev.Kind, ev.IssueID)
		return
	}
	for _, sink := range s.sinks {
		sink.OfferEvent(stored)
	}
}

func normalizeContentType(ct string) (string, error) {
	if strings.TrimSpace(ct) == "" {
		return "", fmt.Errorf("content_type is required")
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", fmt.Errorf("invalid content type %q", ct)
	}
	if !allowedTypes[mediaType] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
	}
	return mediaType, nil
}

// sanitizeFilename strips path components and control characters so the
// stored name is safe to echo back in headers and listings.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

func newStorageKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
