package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// collectGrace is added to the request timeout when waiting for a parallel batch.
const collectGrace = 5 * time.Second

// CredentialSource resolves stored credentials for an account.
type CredentialSource interface {
	Credentials(ctx context.Context, accountID int64) (Credentials, error)
}

// Requester performs a single provider request. *Client implements it.
type Requester interface {
	Fetch(ctx context.Context, creds Credentials, batchID string) Result
	RequestTimeout() time.Duration
}

// Fetcher resolves credentials and fetches accounts one at a time or concurrently.
// It never writes to storage.
type Fetcher struct {
	requester Requester
	creds     CredentialSource
	grace     time.Duration
}

// NewFetcher creates a new account data fetcher.
func NewFetcher(requester Requester, creds CredentialSource) *Fetcher {
	return &Fetcher{requester: requester, creds: creds, grace: collectGrace}
}

// FetchOne fetches a single account. A panic while fetching is converted to a failed Result.
func (f *Fetcher) FetchOne(ctx context.Context, accountID int64, batchID string) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while fetching account", "account_id", accountID, "panic", rec)
			result = failed(accountID, FailureInternal, fmt.Sprintf("unexpected error: %v", rec))
		}
	}()

	creds, err := f.creds.Credentials(ctx, accountID)
	if err != nil {
		return failed(accountID, FailureInternal, fmt.Sprintf("load credentials: %v", err))
	}
	creds.AccountID = accountID

	return f.requester.Fetch(ctx, creds, batchID)
}

// FetchMany fetches all accounts concurrently and returns exactly one Result per
// distinct input id. Accounts whose request has not finished once the request
// timeout plus a grace period elapses get a synthesized failed Result.
func (f *Fetcher) FetchMany(ctx context.Context, accountIDs []int64, batchID string) map[int64]Result {
	var (
		mu      sync.Mutex
		results = make(map[int64]Result, len(accountIDs))
		closed  bool
		wg      sync.WaitGroup
	)

	for _, id := range accountIDs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			r := f.FetchOne(ctx, id, batchID)

			mu.Lock()
			defer mu.Unlock()
			if !closed {
				results[id] = r
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(f.requester.RequestTimeout() + f.grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		slog.Warn("parallel fetch wait expired", "batch_id", batchID, "accounts", len(accountIDs))
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true

	out := make(map[int64]Result, len(accountIDs))
	for _, id := range accountIDs {
		if r, ok := results[id]; ok {
			out[id] = r
			continue
		}
		out[id] = failed(id, FailureTransport, "no response captured from provider")
	}
	return out
}
