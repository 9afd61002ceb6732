package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/isamap/isamap/internal/config"
)

func TestRunWalkthrough(t *testing.T) {
	for _, engine := range []config.EngineType{config.EngineMemory, config.EngineSQLite} {
		t.Run(string(engine), func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.DataDir = t.TempDir()
			cfg.Engine.Type = engine

			var out bytes.Buffer
			err := run(context.Background(), cfg, zap.NewNop().Sugar(), &out, batch{Today: 5, Yesterday: 3, Tomorrow: 2})
			require.NoError(t, err)

			got := out.String()
			assert.Contains(t, got, "Dumping by Name index\n"+
				"Symbol = MMM, Name = 3M, Price = 98.23, Shares = 450\n"+
				"Symbol = AAPL, Name = Apple, Price = 23.42, Shares = 200\n"+
				"Symbol = GOOG, Name = Google, Price = 33.56, Shares = 20\n"+
				"Symbol = IBM, Name = IBM, Price = 65.00, Shares = 240\n"+
				"Symbol = MSFT, Name = Microsoft, Price = 19.65, Shares = 200\n"+
				"Symbol = SBUX, Name = Starbucks, Price = 9.88, Shares = 0\n")
			assert.Contains(t, got, "Locating Google...Found\n")
			assert.Contains(t, got, "Locating IBB...Not Found\n")
			assert.Contains(t, got, "There are 10 events\n")
			assert.Contains(t, got, "There are 3 events from yesterday\n")
			assert.Contains(t, got, "There are 0 events from yesterday\nThere are 7 events\n")
			assert.Contains(t, got, "There are 5 events from today\n")
			assert.Contains(t, got, "There are 0 events from today\nThere are 2 events\n")
		})
	}
}

func TestRunTwiceOnSQLiteKeepsNumbering(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	b := batch{Today: 1, Yesterday: 1, Tomorrow: 1}

	require.NoError(t, run(context.Background(), cfg, nil, &bytes.Buffer{}, b))
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, nil, &out, b))

	// Tomorrow's event from the first run survives both cleanups.
	assert.Contains(t, out.String(), "There are 4 events\n")
	assert.Contains(t, out.String(), "There are 2 events\n")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  type: sqlite\nlogging:\n  level: warn\n"), 0644))

	cfg, err := loadConfig(path, filepath.Join(dir, ".env"), dir, "memory")
	require.NoError(t, err)
	assert.Equal(t, config.EngineMemory, cfg.Engine.Type)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}
