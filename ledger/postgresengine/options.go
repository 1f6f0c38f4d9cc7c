package postgresengine

// Option defines a functional option for configuring the Store.
type Option func(*Store) error

// WithBooksTableName sets the table name for the copy records.
func WithBooksTableName(tableName string) Option {
	return func(s *Store) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		s.booksTableName = tableName

		return nil
	}
}

// WithLoansTableName sets the table name for the loan records.
func WithLoansTableName(tableName string) Option {
	return func(s *Store) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		s.loansTableName = tableName

		return nil
	}
}

// WithJournalTableName sets the table name for the audit journal.
func WithJournalTableName(tableName string) Option {
	return func(s *Store) error {
		if tableName == "" {
			return ErrEmptyTableName
		}

		s.journalTableName = tableName

		return nil
	}
}

// WithLogger sets the logger for the Store.
// The logger will receive messages at different levels based on the logger's
// configured level:
//
// Debug level: SQL statements with execution timing (development use)
// Warn level: Non-critical issues like cleanup failures
// Error level: Critical failures and invariant violations.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		s.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the Store. Error
// reports are emitted with the request context, enabling automatic trace
// correlation when tracing is configured.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(s *Store) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Store. The collector
// receives per-operation durations and error counts.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Store) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Store.
func WithTracing(collector TracingCollector) Option {
	return func(s *Store) error {
		s.tracingCollector = collector
		return nil
	}
}
