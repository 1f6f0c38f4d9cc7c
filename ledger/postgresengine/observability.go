package postgresengine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/openshelf/lending-ledger-go/ledger"
	"github.com/openshelf/lending-ledger-go/ledger/postgresengine/internal/adapters"
)

// Observability interfaces of the engine; identical to the ones the ledger
// service accepts, so one implementation can serve both.
type (
	Logger           = ledger.Logger
	ContextualLogger = ledger.ContextualLogger
	MetricsCollector = ledger.MetricsCollector
	TracingCollector = ledger.TracingCollector
	SpanContext      = ledger.SpanContext
)

var (
	ErrNilDatabaseConnection = errors.New("nil database connection supplied")
	ErrEmptyTableName        = errors.New("empty table name supplied")
	ErrBuildingQueryFailed   = errors.New("failed to build sql query")
	ErrQueryingFailed        = errors.New("database query execution failed")
	ErrExecFailed            = errors.New("database statement execution failed")
	ErrScanningDBRowFailed   = errors.New("failed to scan database row")
	ErrRowsAffectedFailed    = errors.New("failed to get rows affected count")
)

const (
	logMsgSQLExecuted        = "executed sql for: "
	logMsgBuildQueryFailed   = "failed to build sql query"
	logMsgDBQueryFailed      = "database query execution failed"
	logMsgDBExecFailed       = "database statement execution failed"
	logMsgCloseRowsFailed    = "failed to close database rows"
	logMsgScanRowFailed      = "failed to scan database row"
	logMsgInvariantViolation = "copy release would exceed total copies, ledger and tracker are out of sync"
	logAttrError             = "error"
	logAttrQuery             = "query"
	logAttrOperation         = "operation"
	logAttrDurationMS        = "duration_ms"
	logAttrBookID            = "book_id"

	metricOperationDuration = "lendingledger_storage_operation_duration"
	metricOperationErrors   = "lendingledger_storage_operation_errors"
	metricLabelOperation    = "operation"

	opAddBook          = "add_book"
	opRemoveBook       = "remove_book"
	opSetTotalCopies   = "set_total_copies"
	opGetBook          = "get_book"
	opReserveCopy      = "reserve_copy"
	opReleaseCopy      = "release_copy"
	opInsertLoan       = "insert_loan"
	opFindActiveLoan   = "find_active_loan"
	opCloseLoan        = "close_loan"
	opHasActiveLoan    = "has_active_loan"
	opListActiveLoans  = "list_active_loans"
	opListLoans        = "list_loans"
	opListOverdueLoans = "list_overdue_loans"
	opAppendJournal    = "append_journal"
	opListJournal      = "list_journal"
)

// query runs a SELECT with timing, debug logging, and metrics.
func (s Store) query(ctx context.Context, operation string, sqlQuery string) (
	adapters.DBRows,
	time.Duration,
	error,
) {

	ctx, span := s.startSpan(ctx, operation)

	start := time.Now()
	rows, queryErr := s.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	s.finishSpan(span, queryErr)
	s.logQueryWithDuration(sqlQuery, operation, duration)
	s.recordOperation(operation, duration, queryErr)

	if queryErr != nil {
		s.logError(ctx, logMsgDBQueryFailed,
			logAttrError, queryErr.Error(),
			logAttrOperation, operation,
			logAttrQuery, sqlQuery)

		return nil, duration, errors.Join(ledger.ErrStorageFailure, ErrQueryingFailed, queryErr)
	}

	return rows, duration, nil
}

// exec runs a DML statement with timing, debug logging, and metrics, and
// returns the rows-affected count.
func (s Store) exec(ctx context.Context, operation string, sqlQuery string) (
	int64,
	time.Duration,
	error,
) {

	ctx, span := s.startSpan(ctx, operation)

	start := time.Now()
	result, execErr := s.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	s.finishSpan(span, execErr)
	s.logQueryWithDuration(sqlQuery, operation, duration)
	s.recordOperation(operation, duration, execErr)

	if execErr != nil {
		if isUniqueViolation(execErr) {
			// Expected business outcome for the caller to map; not an error
			// worth logging here.
			return 0, duration, execErr
		}

		s.logError(ctx, logMsgDBExecFailed,
			logAttrError, execErr.Error(),
			logAttrOperation, operation,
			logAttrQuery, sqlQuery)

		return 0, duration, errors.Join(ledger.ErrStorageFailure, ErrExecFailed, execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		s.logError(ctx, logMsgDBExecFailed, logAttrError, rowsAffectedErr.Error(), logAttrOperation, operation)

		return 0, duration, errors.Join(ledger.ErrStorageFailure, ErrRowsAffectedFailed, rowsAffectedErr)
	}

	return rowsAffected, duration, nil
}

// closeRows safely closes database rows and logs any errors.
func (s Store) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		s.logWarn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
	}
}

func (s Store) buildQueryFailed(err error) error {
	s.logWarn(logMsgBuildQueryFailed, logAttrError, err.Error())

	return errors.Join(ErrBuildingQueryFailed, err)
}

func (s Store) scanRowFailed(err error) error {
	s.logWarn(logMsgScanRowFailed, logAttrError, err.Error())

	return errors.Join(ledger.ErrStorageFailure, ErrScanningDBRowFailed, err)
}

// logQueryWithDuration logs SQL queries with execution time at debug level if
// a logger is configured.
func (s Store) logQueryWithDuration(sqlQuery string, operation string, duration time.Duration) {
	if s.logger != nil {
		s.logger.Debug(logMsgSQLExecuted+operation,
			logAttrDurationMS, durationToMilliseconds(duration),
			logAttrQuery, sqlQuery)
	}
}

func (s Store) recordOperation(operation string, duration time.Duration, err error) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{metricLabelOperation: operation}
	s.metricsCollector.RecordDuration(metricOperationDuration, duration, labels)

	if err != nil && !isUniqueViolation(err) {
		s.metricsCollector.IncrementCounter(metricOperationErrors, labels)
	}
}

const (
	spanNamePrefix  = "lendingledger.storage."
	spanStatusOK    = "ok"
	spanStatusError = "error"
)

func (s Store) startSpan(ctx context.Context, operation string) (context.Context, SpanContext) {
	if s.tracingCollector == nil {
		return ctx, nil
	}

	return s.tracingCollector.StartSpan(ctx, spanNamePrefix+operation,
		map[string]string{metricLabelOperation: operation})
}

func (s Store) finishSpan(span SpanContext, err error) {
	if s.tracingCollector == nil || span == nil {
		return
	}

	status := spanStatusOK
	if err != nil && !isUniqueViolation(err) {
		status = spanStatusError
	}

	s.tracingCollector.FinishSpan(span, status, nil)
}

func (s Store) logError(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}

func (s Store) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// durationToMilliseconds converts a time.Duration to float64 milliseconds
// with 3 decimal places.
func durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
