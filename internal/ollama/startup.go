package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// EnsureReady verifies the server is up and embedModel is installed,
// pulling it if needed. Progress lines go to w.
func EnsureReady(ctx context.Context, c *Client, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return errors.New("ollama is not running at " + c.baseURL + " (start it with: ollama serve)")
	}
	if !c.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "embedding model %s: pulling...\n", embedModel)
		err := c.PullModel(ctx, embedModel, func(p PullProgress) {
			if p.Total <= 0 {
				fmt.Fprintf(w, "  %s\n", p.Status)
				return
			}
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, p.Completed*100/p.Total)
		})
		if err != nil {
			return fmt.Errorf("pulling embedding model %s: %w", embedModel, err)
		}
	}
	fmt.Fprintf(w, "embedding model %s: ready\n", embedModel)
	return nil
}
