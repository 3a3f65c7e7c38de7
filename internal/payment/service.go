// Package payment runs the kiosk's payment confirmation state machine.
//
// A confirmation charges the coin balance for a print or copy job. The charge
// is three-phase: hold the amount against the balance, dispatch the job, then
// settle the hold into earnings. Failure at any phase before settlement
// releases the hold, so an undelivered job is never charged.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/printbit/kiosk/internal/ledger"
	"github.com/printbit/kiosk/internal/session"
)

var (
	ErrInvalidMode      = errors.New("invalid payment mode")
	ErrSessionRequired  = errors.New("print session is required")
	ErrSessionNotFound  = errors.New("session not found")
	ErrNoDocument       = errors.New("no uploaded document found for this session")
	ErrDocumentNotFound = errors.New("document not found in session")
)

// Mode selects the job type being paid for.
type Mode string

const (
	ModePrint Mode = "print"
	ModeCopy  Mode = "copy"
)

// Request is a payment confirmation from the kiosk UI. Amount arrives as a
// JSON number; the ledger deals in whole units only.
type Request struct {
	Amount    float64 `json:"amount"`
	Mode      Mode    `json:"mode"`
	SessionID string  `json:"sessionId"`
	Filename  string  `json:"filename"`
}

// Job is a dispatched print task.
type Job struct {
	SessionID   string
	DocumentID  string
	Filename    string
	StoragePath string
	ContentType string
	Amount      int64
}

// Service coordinates ledger, session store, and print dispatch for a
// confirmation.
type Service struct {
	ledger     *ledger.Ledger
	sessions   *session.Store
	dispatcher Dispatcher
	uploadDir  string
	logger     *slog.Logger
}

// NewService creates a payment service. uploadDir is where the legacy upload
// endpoint stored its files.
func NewService(l *ledger.Ledger, sessions *session.Store, dispatcher Dispatcher, uploadDir string, logger *slog.Logger) *Service {
	return &Service{ledger: l, sessions: sessions, dispatcher: dispatcher, uploadDir: uploadDir, logger: logger}
}

// Confirm validates and executes a payment confirmation, returning the
// post-settlement ledger snapshot.
//
// Copy mode charges immediately: the physical copier already ran. Print mode
// resolves the session's document and dispatches it between hold and
// settlement; a dispatch failure releases the hold and the customer keeps
// their balance.
func (s *Service) Confirm(ctx context.Context, req Request) (ledger.Snapshot, error) {
	amount, err := wholeAmount(req.Amount)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	if req.Mode != ModePrint && req.Mode != ModeCopy {
		return ledger.Snapshot{}, ErrInvalidMode
	}

	if err := s.ledger.Hold(amount); err != nil {
		return ledger.Snapshot{}, err
	}

	if req.Mode == ModePrint {
		job, err := s.resolveJob(req, amount)
		if err != nil {
			s.ledger.Release(amount)
			return ledger.Snapshot{}, err
		}
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.ledger.Release(amount)
			return ledger.Snapshot{}, fmt.Errorf("dispatch print job: %w", err)
		}
		s.logger.Info("print job dispatched",
			"session_id", job.SessionID, "document_id", job.DocumentID, "amount", amount)
	}

	snap, err := s.ledger.Settle(ctx, amount, string(req.Mode))
	if err != nil {
		// For print mode the job is already out of the machine; the charge
		// failing here means the kiosk ate the cost, which beats charging for
		// nothing.
		s.logger.Error("settlement failed after dispatch",
			"mode", req.Mode, "amount", amount, "error", err)
		return ledger.Snapshot{}, err
	}

	return snap, nil
}

// legacyPrintMinimum is the smallest balance the session-less print flow will
// run with.
const legacyPrintMinimum int64 = 5

// PrintStored dispatches a previously stored file by name and drains the
// entire balance into earnings. This is the original session-less kiosk flow,
// kept for UIs that predate upload sessions.
func (s *Service) PrintStored(ctx context.Context, filename string) (ledger.Snapshot, error) {
	if filename == "" {
		return ledger.Snapshot{}, ErrDocumentNotFound
	}

	amount := s.ledger.Snapshot().Balance
	if amount < legacyPrintMinimum {
		return ledger.Snapshot{}, ledger.ErrInsufficientBalance
	}
	if err := s.ledger.Hold(amount); err != nil {
		return ledger.Snapshot{}, err
	}

	// Base only: the client names a stored file, never a path.
	storagePath := filepath.Join(s.uploadDir, filepath.Base(filename))
	if _, err := os.Stat(storagePath); err != nil {
		s.ledger.Release(amount)
		return ledger.Snapshot{}, fmt.Errorf("%w: %q", ErrDocumentNotFound, filename)
	}

	job := Job{Filename: filename, StoragePath: storagePath, Amount: amount}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.ledger.Release(amount)
		return ledger.Snapshot{}, fmt.Errorf("dispatch print job: %w", err)
	}

	return s.ledger.Settle(ctx, amount, string(ModePrint))
}

// resolveJob locates the document a print confirmation pays for.
func (s *Service) resolveJob(req Request, amount int64) (Job, error) {
	if req.SessionID == "" {
		return Job{}, ErrSessionRequired
	}
	sess := s.sessions.TryGet(req.SessionID)
	if sess == nil {
		return Job{}, ErrSessionNotFound
	}
	if len(sess.Documents) == 0 {
		return Job{}, ErrNoDocument
	}

	var doc *session.Document
	if req.Filename != "" {
		doc = sess.DocumentByFilename(req.Filename)
		if doc == nil {
			return Job{}, fmt.Errorf("%w: %q", ErrDocumentNotFound, req.Filename)
		}
	} else {
		doc = sess.LatestDocument()
	}

	return Job{
		SessionID:   sess.ID,
		DocumentID:  doc.ID,
		Filename:    doc.Filename,
		StoragePath: doc.StoragePath,
		ContentType: doc.ContentType,
		Amount:      amount,
	}, nil
}

// wholeAmount validates that a JSON amount is a positive whole number of
// units and converts it to the ledger's integer domain.
func wholeAmount(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	if amount != math.Trunc(amount) || amount > math.MaxInt32 {
		return 0, ledger.ErrInvalidAmount
	}
	return int64(amount), nil
}
