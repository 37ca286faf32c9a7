package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestDockerEngine_Ping(t *testing.T) {
	eng, err := NewDockerEngine("")
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Ping(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}

	st, err := eng.InspectContainer(ctx, "agentbox-test-does-not-exist")
	if err != nil {
		t.Fatalf("InspectContainer: %v", err)
	}
	if st.Exists {
		t.Fatal("expected missing container")
	}
	if _, err := eng.ListImageTags(ctx); err != nil {
		t.Fatalf("ListImageTags: %v", err)
	}
}
