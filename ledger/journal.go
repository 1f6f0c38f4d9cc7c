package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Journal actions recorded by the lending service.
const (
	JournalActionBookAdded          = "BookAdded"
	JournalActionBookRemoved        = "BookRemoved"
	JournalActionTotalCopiesChanged = "TotalCopiesChanged"
	JournalActionBookBorrowed       = "BookBorrowed"
	JournalActionBookReturned       = "BookReturned"
)

var ErrEncodingJournalDetailsFailed = errors.New("encoding journal details failed")
var ErrDecodingJournalDetailsFailed = errors.New("decoding journal details failed")

// JournalEntry is one immutable line of the lending audit trail. Entries are
// appended after successful ledger operations and never updated or deleted.
// LoanID and UserID are uuid.Nil for catalog actions.
type JournalEntry struct {
	EntryID     uuid.UUID
	Action      string
	BookID      uuid.UUID
	UserID      uuid.UUID
	LoanID      uuid.UUID
	OccurredAt  time.Time
	DetailsJSON []byte
}

// BuildJournalEntry creates a journal entry with a jsoniter-encoded detail
// payload.
func BuildJournalEntry(
	action string,
	bookID uuid.UUID,
	userID uuid.UUID,
	loanID uuid.UUID,
	occurredAt time.Time,
	details any,
) (JournalEntry, error) {

	detailsJSON, marshalErr := jsoniter.ConfigFastest.Marshal(details)
	if marshalErr != nil {
		return JournalEntry{}, errors.Join(ErrEncodingJournalDetailsFailed, marshalErr)
	}

	entry := JournalEntry{
		EntryID:     uuid.New(),
		Action:      action,
		BookID:      bookID,
		UserID:      userID,
		LoanID:      loanID,
		OccurredAt:  ToStoredTime(occurredAt),
		DetailsJSON: detailsJSON,
	}

	return entry, nil
}

// DecodeDetails unmarshals the detail payload into dst.
func (e JournalEntry) DecodeDetails(dst any) error {
	if err := jsoniter.ConfigFastest.Unmarshal(e.DetailsJSON, dst); err != nil {
		return errors.Join(ErrDecodingJournalDetailsFailed, err)
	}

	return nil
}
