package notify

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// DemoVideoIssuer fabricates meeting URLs in the shape real conferencing
// links have. Swapped for a real integration at the VideoLinker seam.
type DemoVideoIssuer struct {
	BaseURL string // default https://meet.example
}

func (i *DemoVideoIssuer) IssueLink(ctx context.Context, appointmentID uuid.UUID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := i.BaseURL
	if base == "" {
		base = "https://meet.example"
	}
	return fmt.Sprintf("%s/%s-%s-%s", base, randCode(3), randCode(4), randCode(3)), nil
}

func randCode(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
