package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openshelf/lending-ledger-go/ledger"
)

// LoadGenerator drives a configurable request rate of catalog and lending
// operations against the lending service.
type LoadGenerator struct {
	service ledger.LendingService
	config  Config

	ticker   *time.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup

	requestCount  int64
	rejectedCount int64
	errorCount    int64
	startTime     time.Time
	mu            sync.RWMutex
}

// NewLoadGenerator creates a new LoadGenerator instance with the provided
// lending service and configuration.
func NewLoadGenerator(service ledger.LendingService, config Config) *LoadGenerator {
	return &LoadGenerator{
		service:  service,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// SeedCatalog adds the initial books so the lending scenarios have something
// to borrow. Books that survived a previous run are skipped.
func (lg *LoadGenerator) SeedCatalog(ctx context.Context) error {
	log.Printf("Seeding the catalog with %d books...", lg.config.InitialBooks)

	for i := 1; i <= lg.config.InitialBooks; i++ {
		copies := rand.Intn(5) + 1 //nolint:gosec // demo code, weak random is acceptable

		err := lg.service.AddBook(ctx, lg.bookID(i), copies, time.Now())
		if err != nil && !errors.Is(err, ledger.ErrBookAlreadyExists) {
			return fmt.Errorf("seeding book %d: %w", i, err)
		}
	}

	return nil
}

// Start runs the load generation loop until the context is cancelled or Stop
// is called.
func (lg *LoadGenerator) Start(ctx context.Context) error {
	lg.mu.Lock()
	lg.startTime = time.Now()
	lg.requestCount = 0
	lg.rejectedCount = 0
	lg.errorCount = 0
	lg.mu.Unlock()

	interval := time.Second / time.Duration(lg.config.Rate)
	lg.ticker = time.NewTicker(interval)
	defer lg.ticker.Stop()

	log.Printf("Load generator starting with %d requests/second (interval: %v), initial goroutines: %d",
		lg.config.Rate, interval, runtime.NumGoroutine())

	lg.wg.Add(1)
	go lg.statsReporter(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Load generator stopping due to context cancellation")
			return ctx.Err()

		case <-lg.stopChan:
			log.Printf("Load generator stopping due to stop signal")
			return nil

		case <-lg.ticker.C:
			lg.wg.Add(1)
			go lg.executeScenario(ctx)
		}
	}
}

// Stop gracefully shuts down the load generator.
func (lg *LoadGenerator) Stop(ctx context.Context) error {
	close(lg.stopChan)

	done := make(chan struct{})
	go func() {
		lg.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lg.logStats("Final stats")
		return nil
	case <-ctx.Done():
		lg.logStats("Final stats")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (lg *LoadGenerator) executeScenario(ctx context.Context) {
	defer lg.wg.Done()

	var err error
	if lg.selectCatalogScenario() {
		err = lg.runCatalogScenario(ctx)
	} else {
		err = lg.runLendingScenario(ctx)
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()

	lg.requestCount++

	switch {
	case err == nil:
	case isExpectedRejection(err):
		lg.rejectedCount++
	default:
		lg.errorCount++
		log.Printf("Scenario error: %v", err)
	}
}

func (lg *LoadGenerator) selectCatalogScenario() bool {
	r := rand.Intn(100) //nolint:gosec // demo code, weak random is acceptable

	return r < lg.config.ScenarioWeights[0]
}

// runCatalogScenario edits the catalog: adjusting copy counts, adding books
// back, or removing them.
func (lg *LoadGenerator) runCatalogScenario(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	bookID := lg.randomBookID()

	switch rand.Intn(3) { //nolint:gosec // demo code, weak random is acceptable
	case 0:
		return lg.service.SetTotalCopies(opCtx, bookID, rand.Intn(5)+1, time.Now()) //nolint:gosec
	case 1:
		return lg.service.AddBook(opCtx, bookID, rand.Intn(5)+1, time.Now()) //nolint:gosec
	default:
		return lg.service.RemoveBook(opCtx, bookID, time.Now())
	}
}

// runLendingScenario borrows a book or returns one of the user's active
// loans.
func (lg *LoadGenerator) runLendingScenario(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	userID := lg.randomUserID()

	if rand.Intn(2) == 0 { //nolint:gosec // demo code, weak random is acceptable
		_, err := lg.service.Borrow(opCtx, userID, lg.randomBookID(), time.Now())
		return err
	}

	loans, err := lg.service.ListActiveLoans(opCtx, userID)
	if err != nil {
		return err
	}
	if len(loans) == 0 {
		return nil
	}

	loan := loans[rand.Intn(len(loans))] //nolint:gosec // demo code, weak random is acceptable
	_, err = lg.service.Return(opCtx, loan.LoanID, userID, time.Now())

	return err
}

// bookID creates a deterministic book ID so runs are repeatable and restarts
// reuse the already seeded catalog.
func (lg *LoadGenerator) bookID(n int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("book-%d", n)))
}

func (lg *LoadGenerator) randomBookID() uuid.UUID {
	return lg.bookID(rand.Intn(lg.config.InitialBooks) + 1) //nolint:gosec // demo code
}

func (lg *LoadGenerator) randomUserID() uuid.UUID {
	userNum := rand.Intn(lg.config.Users) + 1 //nolint:gosec // demo code, weak random is acceptable

	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("user-%d", userNum)))
}

// isExpectedRejection filters the business outcomes that a random workload is
// supposed to produce, so only real failures count as errors.
func isExpectedRejection(err error) bool {
	return errors.Is(err, ledger.ErrNoCopiesAvailable) ||
		errors.Is(err, ledger.ErrAlreadyBorrowed) ||
		errors.Is(err, ledger.ErrBookNotFound) ||
		errors.Is(err, ledger.ErrBookAlreadyExists) ||
		errors.Is(err, ledger.ErrBookHasActiveLoans) ||
		errors.Is(err, ledger.ErrLoanNotFound)
}

func (lg *LoadGenerator) statsReporter(ctx context.Context) {
	defer lg.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lg.stopChan:
			return
		case <-ticker.C:
			lg.logStats("Stats")
		}
	}
}

func (lg *LoadGenerator) logStats(prefix string) {
	lg.mu.RLock()
	duration := time.Since(lg.startTime)
	requests := lg.requestCount
	rejected := lg.rejectedCount
	failures := lg.errorCount
	lg.mu.RUnlock()

	if duration <= 0 || requests == 0 {
		return
	}

	rps := float64(requests) / duration.Seconds()
	log.Printf("%s: %d requests in %v (%.1f req/s), %d rejected, %d failures, %d goroutines",
		prefix, requests, duration.Truncate(time.Second), rps, rejected, failures, runtime.NumGoroutine())
}
