package control

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/polywatch/internal/core/domain"
)

// TestApp_PostgresPipeline runs the full pipeline against a real database.
// Set POLYWATCH_TEST_DATABASE_URL to enable it.
func TestApp_PostgresPipeline(t *testing.T) {
	url := os.Getenv("POLYWATCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("POLYWATCH_TEST_DATABASE_URL not set")
	}

	cfg := testConfig()
	cfg.Database.URL = url

	client := &stubLogClient{}
	ctx := context.Background()
	app, err := NewApp(ctx, cfg, WithDialer(client.dialer()))
	require.NoError(t, err)
	require.NotNil(t, app.db)

	require.NoError(t, app.Start(ctx))

	condition := "0x" + uuid.NewString()
	yes, no := uuid.NewString(), uuid.NewString()
	require.NoError(t, app.pipeline.HandleEvent(ctx, registration("0x"+uuid.NewString(), 1, yes, no, condition)))

	hash := "0x" + uuid.NewString()
	evt := fill(hash, 2, 0, "0", yes, 250_000, 400_000)
	evt.Timestamp = time.Now().UTC()
	require.NoError(t, app.pipeline.HandleEvent(ctx, evt))
	// second delivery is a no-op
	require.NoError(t, app.pipeline.HandleEvent(ctx, evt))

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var count int
	require.NoError(t, app.db.GetContext(stopCtx, &count, "SELECT COUNT(*) FROM transactions WHERE tx_hash = $1", hash))
	assert.Equal(t, 1, count)

	stats := app.orch.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(1), stats.Critical)
	assert.GreaterOrEqual(t, stats.AlertsCreated, uint64(1))

	assert.Equal(t, domain.OutcomeYes, mustOutcome(t, app, hash))

	profile, err := app.whales.UpdateWallet(stopCtx, "0xmaker")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, profile.TotalVolume, 250_000.0)

	require.NoError(t, app.Stop(stopCtx))
}

func mustOutcome(t *testing.T, app *App, hash string) string {
	t.Helper()
	var outcome string
	require.NoError(t, app.db.GetContext(context.Background(), &outcome, "SELECT outcome FROM transactions WHERE tx_hash = $1", hash))
	return outcome
}
