package workflow

import (
	"context"
	"sync"

	"flowsend/internal/models"
)

// runPool fans the claimed recipients of one batch out to a bounded worker
// pool and blocks until every recipient is processed. workers <= 1 runs
// effectively serial. Cross-recipient ordering is unspecified.
func runPool(ctx context.Context, workers int, recipients []models.CampaignRecipient, process func(ctx context.Context, rec *models.CampaignRecipient)) {
	if workers < 1 {
		workers = 1
	}
	if workers > len(recipients) {
		workers = len(recipients)
	}

	jobs := make(chan *models.CampaignRecipient)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				process(ctx, rec)
			}
		}()
	}

	for i := range recipients {
		jobs <- &recipients[i]
	}
	close(jobs)
	wg.Wait()
}
