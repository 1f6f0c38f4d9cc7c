package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	logMsgCompensatingReleaseFailed = "compensating copy release failed, ledger and tracker need reconciliation"
	logMsgReleaseAfterCloseFailed   = "copy release after loan close failed, ledger and tracker need reconciliation"
	logMsgJournalAppendFailed       = "journal append failed"
	logMsgBookBorrowed              = "book borrowed"
	logMsgBookReturned              = "book returned"
	logAttrError                    = "error"
	logAttrBookID                   = "book_id"
	logAttrUserID                   = "user_id"
	logAttrLoanID                   = "loan_id"
	logAttrFine                     = "fine"

	metricBorrowTotal  = "lendingledger_borrow_total"
	metricReturnTotal  = "lendingledger_return_total"
	metricFineCharged  = "lendingledger_fine_charged"
	metricLabelOutcome = "outcome"
	outcomeSuccess     = "success"
	outcomeRejected    = "rejected"
	outcomeFailure     = "failure"
	spanNameBorrow     = "lendingledger.borrow"
	spanNameReturn     = "lendingledger.return"
	spanStatusOK       = "ok"
	spanStatusError    = "error"
)

// BorrowReceipt is returned to the caller of Borrow.
type BorrowReceipt struct {
	LoanID uuid.UUID
	DueAt  time.Time
}

// ReturnReceipt is returned to the caller of Return, carrying the frozen fine.
type ReturnReceipt struct {
	Fine decimal.Decimal
}

// LendingService is the loan ledger state machine. Per (user, book) pair a
// loan moves NoActiveLoan -> Active -> Closed; Closed is terminal per loan
// instance, and a later borrow creates a new instance.
//
// The service relies on the storage engines for atomicity of the individual
// steps and performs the one compensating action itself: a copy reserved for a
// loan whose record could not be written is released again.
type LendingService struct {
	copies           CopyTracker
	loans            LoanStore
	policy           LendingPolicy
	logger           Logger
	contextualLogger ContextualLogger
	metricsCollector MetricsCollector
	tracingCollector TracingCollector
}

// ServiceOption defines a functional option for configuring LendingService.
type ServiceOption func(*LendingService) error

// WithPolicy replaces the default lending policy (14-day term, fine of 10
// units per day late).
func WithPolicy(policy LendingPolicy) ServiceOption {
	return func(s *LendingService) error {
		if policy.LoanPeriod <= 0 {
			return errors.New("loan period must be positive")
		}
		if policy.FinePerDay.IsNegative() {
			return errors.New("fine per day must not be negative")
		}

		s.policy = policy

		return nil
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger Logger) ServiceOption {
	return func(s *LendingService) error {
		s.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the service, enabling
// automatic trace correlation when tracing is configured.
func WithContextualLogger(logger ContextualLogger) ServiceOption {
	return func(s *LendingService) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the service.
func WithMetrics(collector MetricsCollector) ServiceOption {
	return func(s *LendingService) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the service.
func WithTracing(collector TracingCollector) ServiceOption {
	return func(s *LendingService) error {
		s.tracingCollector = collector
		return nil
	}
}

// NewLendingService creates a LendingService on top of a combined storage
// engine with optional configuration.
func NewLendingService(storage Storage, options ...ServiceOption) (LendingService, error) {
	if storage == nil {
		return LendingService{}, ErrNilStorage
	}

	return newLendingService(storage, storage, options...)
}

// NewLendingServiceSplit creates a LendingService whose copy tracker and loan
// store are separate implementations. Both must be backed by the same logical
// store for the borrow sequence to be effectively atomic.
func NewLendingServiceSplit(copies CopyTracker, loans LoanStore, options ...ServiceOption) (LendingService, error) {
	if copies == nil || loans == nil {
		return LendingService{}, ErrNilStorage
	}

	return newLendingService(copies, loans, options...)
}

func newLendingService(copies CopyTracker, loans LoanStore, options ...ServiceOption) (LendingService, error) {
	s := LendingService{
		copies: copies,
		loans:  loans,
		policy: DefaultLendingPolicy(),
	}

	for _, option := range options {
		if err := option(&s); err != nil {
			return LendingService{}, err
		}
	}

	return s, nil
}

// Policy returns the lending policy in effect.
func (s LendingService) Policy() LendingPolicy {
	return s.policy
}

// Borrow lends one copy of the book to the user at the given instant.
//
// It rejects with ErrAlreadyBorrowed when an active loan exists for the
// (user, book) pair, and propagates ErrBookNotFound / ErrNoCopiesAvailable
// from the reservation. A reserved copy whose loan record cannot be written is
// released again, so a failed borrow never leaks a copy.
func (s LendingService) Borrow(
	ctx context.Context,
	userID uuid.UUID,
	bookID uuid.UUID,
	now time.Time,
) (BorrowReceipt, error) {

	ctx, span := s.startSpan(ctx, spanNameBorrow, bookID, userID)

	receipt, err := s.borrow(ctx, userID, bookID, now)
	s.finishSpan(span, err)
	s.countOutcome(metricBorrowTotal, err)

	return receipt, err
}

func (s LendingService) borrow(
	ctx context.Context,
	userID uuid.UUID,
	bookID uuid.UUID,
	now time.Time,
) (BorrowReceipt, error) {

	hasActive, checkErr := s.loans.HasActiveLoan(ctx, userID, bookID)
	if checkErr != nil {
		return BorrowReceipt{}, checkErr
	}

	if hasActive {
		return BorrowReceipt{}, ErrAlreadyBorrowed
	}

	if reserveErr := s.copies.ReserveCopy(ctx, bookID); reserveErr != nil {
		return BorrowReceipt{}, reserveErr
	}

	borrowedAt := ToStoredTime(now)
	loan := LoanRecord{
		LoanID:     newLoanID(),
		BookID:     bookID,
		UserID:     userID,
		BorrowedAt: borrowedAt,
		DueAt:      ToStoredTime(s.policy.DueDate(borrowedAt)),
		Returned:   false,
		Fine:       decimal.Zero,
	}

	if insertErr := s.loans.InsertLoan(ctx, loan); insertErr != nil {
		// The copy was reserved but no loan record exists; release it once so
		// a failed borrow does not leak a copy.
		if releaseErr := s.copies.ReleaseCopy(ctx, bookID); releaseErr != nil {
			s.logError(ctx, logMsgCompensatingReleaseFailed,
				logAttrError, releaseErr.Error(),
				logAttrBookID, bookID.String(),
				logAttrUserID, userID.String())
		}

		return BorrowReceipt{}, insertErr
	}

	s.appendJournal(ctx, JournalActionBookBorrowed, bookID, userID, loan.LoanID, borrowedAt,
		borrowDetails{DueAt: loan.DueAt})

	s.logInfo(ctx, logMsgBookBorrowed,
		logAttrBookID, bookID.String(),
		logAttrUserID, userID.String(),
		logAttrLoanID, loan.LoanID.String())

	return BorrowReceipt{LoanID: loan.LoanID, DueAt: loan.DueAt}, nil
}

// Return closes the user's active loan at the given instant and reports the
// fine, computed once from the original due date and frozen. A second Return
// on the same loan fails with ErrLoanNotFound and neither releases another
// copy nor charges another fine.
func (s LendingService) Return(
	ctx context.Context,
	loanID uuid.UUID,
	userID uuid.UUID,
	now time.Time,
) (ReturnReceipt, error) {

	ctx, span := s.startSpan(ctx, spanNameReturn, uuid.Nil, userID)

	receipt, err := s.returnLoan(ctx, loanID, userID, now)
	s.finishSpan(span, err)
	s.countOutcome(metricReturnTotal, err)

	return receipt, err
}

func (s LendingService) returnLoan(
	ctx context.Context,
	loanID uuid.UUID,
	userID uuid.UUID,
	now time.Time,
) (ReturnReceipt, error) {

	loan, findErr := s.loans.FindActiveLoan(ctx, loanID, userID)
	if findErr != nil {
		return ReturnReceipt{}, findErr
	}

	returnedAt := ToStoredTime(now)
	fine := s.policy.Fine(loan.DueAt, returnedAt)

	if closeErr := s.loans.CloseLoan(ctx, loanID, userID, returnedAt, fine); closeErr != nil {
		return ReturnReceipt{}, closeErr
	}

	if releaseErr := s.copies.ReleaseCopy(ctx, loan.BookID); releaseErr != nil {
		// The loan is already closed; failing the whole operation now would
		// only provoke a retry that hits ErrLoanNotFound. Log for
		// reconciliation instead.
		s.logError(ctx, logMsgReleaseAfterCloseFailed,
			logAttrError, releaseErr.Error(),
			logAttrBookID, loan.BookID.String(),
			logAttrLoanID, loanID.String())
	}

	s.appendJournal(ctx, JournalActionBookReturned, loan.BookID, userID, loanID, returnedAt,
		returnDetails{Fine: fine.String(), DaysKept: int(startedDays(returnedAt.Sub(loan.BorrowedAt)))})

	if fine.IsPositive() {
		s.recordFine(fine)
	}

	s.logInfo(ctx, logMsgBookReturned,
		logAttrBookID, loan.BookID.String(),
		logAttrUserID, userID.String(),
		logAttrLoanID, loanID.String(),
		logAttrFine, fine.String())

	return ReturnReceipt{Fine: fine}, nil
}

// ListActiveLoans returns the user's active loans, oldest first. Pure read
// projection, no side effects.
func (s LendingService) ListActiveLoans(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error) {
	return s.loans.ListActiveLoans(ctx, userID)
}

// ListAllLoans returns every loan of one user, or of all users when userID is
// uuid.Nil (admin collaborators pass no user). Pure read projection.
func (s LendingService) ListAllLoans(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error) {
	return s.loans.ListLoans(ctx, userID)
}

// ListOverdueLoans returns all active loans past due at the given instant.
func (s LendingService) ListOverdueLoans(ctx context.Context, asOf time.Time) ([]LoanRecord, error) {
	return s.loans.ListOverdueLoans(ctx, asOf)
}

// ListJournal returns the audit journal for one book, or the full journal
// when bookID is uuid.Nil.
func (s LendingService) ListJournal(ctx context.Context, bookID uuid.UUID) ([]JournalEntry, error) {
	return s.loans.ListJournal(ctx, bookID)
}

// AddBook registers a book's copy record on behalf of the catalog
// collaborator, with all copies available.
func (s LendingService) AddBook(ctx context.Context, bookID uuid.UUID, totalCopies int, now time.Time) error {
	if totalCopies < 0 {
		return ErrInvalidTotalCopies
	}

	if err := s.copies.AddBook(ctx, bookID, totalCopies); err != nil {
		return err
	}

	s.appendJournal(ctx, JournalActionBookAdded, bookID, uuid.Nil, uuid.Nil, now,
		totalCopiesDetails{TotalCopies: totalCopies})

	return nil
}

// RemoveBook deletes a book's copy record. Removal is blocked with
// ErrBookHasActiveLoans while copies are still out on loan, so closed loan
// records keep a resolvable book reference only for titles that ever existed.
func (s LendingService) RemoveBook(ctx context.Context, bookID uuid.UUID, now time.Time) error {
	if err := s.copies.RemoveBook(ctx, bookID); err != nil {
		return err
	}

	s.appendJournal(ctx, JournalActionBookRemoved, bookID, uuid.Nil, uuid.Nil, now, struct{}{})

	return nil
}

// SetTotalCopies applies a catalog edit to the copy counters. A total below
// the currently-lent-out count is accepted: availability is clamped to zero
// and outstanding loans stay valid.
func (s LendingService) SetTotalCopies(ctx context.Context, bookID uuid.UUID, newTotal int, now time.Time) error {
	if newTotal < 0 {
		return ErrInvalidTotalCopies
	}

	if err := s.copies.SetTotalCopies(ctx, bookID, newTotal); err != nil {
		return err
	}

	s.appendJournal(ctx, JournalActionTotalCopiesChanged, bookID, uuid.Nil, uuid.Nil, now,
		totalCopiesDetails{TotalCopies: newTotal})

	return nil
}

// GetBook returns the copy record for a book.
func (s LendingService) GetBook(ctx context.Context, bookID uuid.UUID) (BookCopyRecord, error) {
	return s.copies.GetBook(ctx, bookID)
}

// BookExists reports whether a copy record exists for the book.
func (s LendingService) BookExists(ctx context.Context, bookID uuid.UUID) (bool, error) {
	return s.copies.BookExists(ctx, bookID)
}

type borrowDetails struct {
	DueAt time.Time `json:"dueAt"`
}

type returnDetails struct {
	Fine     string `json:"fine"`
	DaysKept int    `json:"daysKept"`
}

type totalCopiesDetails struct {
	TotalCopies int `json:"totalCopies"`
}

// appendJournal writes one audit line. The journal is secondary to the ledger
// state, so a failed append is logged at warn level and never fails the
// operation that produced it.
func (s LendingService) appendJournal(
	ctx context.Context,
	action string,
	bookID uuid.UUID,
	userID uuid.UUID,
	loanID uuid.UUID,
	occurredAt time.Time,
	details any,
) {

	entry, buildErr := BuildJournalEntry(action, bookID, userID, loanID, occurredAt, details)
	if buildErr != nil {
		s.logWarn(ctx, logMsgJournalAppendFailed, logAttrError, buildErr.Error())
		return
	}

	if appendErr := s.loans.AppendJournalEntry(ctx, entry); appendErr != nil {
		s.logWarn(ctx, logMsgJournalAppendFailed, logAttrError, appendErr.Error())
	}
}

func newLoanID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New() // NewV7 only fails when the entropy source does
	}

	return id
}

func (s LendingService) startSpan(ctx context.Context, name string, bookID uuid.UUID, userID uuid.UUID) (context.Context, SpanContext) {
	if s.tracingCollector == nil {
		return ctx, nil
	}

	attrs := map[string]string{logAttrUserID: userID.String()}
	if bookID != uuid.Nil {
		attrs[logAttrBookID] = bookID.String()
	}

	return s.tracingCollector.StartSpan(ctx, name, attrs)
}

func (s LendingService) finishSpan(span SpanContext, err error) {
	if s.tracingCollector == nil || span == nil {
		return
	}

	status := spanStatusOK
	if err != nil {
		status = spanStatusError
	}

	s.tracingCollector.FinishSpan(span, status, nil)
}

func (s LendingService) countOutcome(metric string, err error) {
	if s.metricsCollector == nil {
		return
	}

	s.metricsCollector.IncrementCounter(metric, map[string]string{metricLabelOutcome: outcomeLabel(err)})
}

func (s LendingService) recordFine(fine decimal.Decimal) {
	if s.metricsCollector == nil {
		return
	}

	value, _ := fine.Float64()
	s.metricsCollector.RecordValue(metricFineCharged, value, nil)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, ErrAlreadyBorrowed),
		errors.Is(err, ErrNoCopiesAvailable),
		errors.Is(err, ErrBookNotFound),
		errors.Is(err, ErrLoanNotFound):
		return outcomeRejected
	default:
		return outcomeFailure
	}
}

func (s LendingService) logInfo(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s LendingService) logWarn(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s LendingService) logError(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
