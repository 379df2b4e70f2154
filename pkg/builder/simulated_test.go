package builder

import (
	"context"
	"testing"
)

func TestSimulatedWalksPhases(t *testing.T) {
	sim := NewSimulated(4, "https://artifacts.example.com/")
	ref, err := sim.Submit(context.Background(), Job{ID: "job-1", Platform: PlatformAndroid})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	want := []struct {
		state    DownstreamState
		phase    Phase
		progress int
	}{
		{DownstreamRunning, PhasePlanning, 25},
		{DownstreamRunning, PhaseGenerating, 50},
		{DownstreamRunning, PhasePackaging, 75},
		{DownstreamFinished, "", 100},
	}
	for i, w := range want {
		st, err := sim.Status(context.Background(), ref)
		if err != nil {
			t.Fatalf("Status %d returned error: %v", i, err)
		}
		if st.State != w.state || st.Phase != w.phase || st.Progress != w.progress {
			t.Fatalf("step %d: got %+v", i, st)
		}
	}

	st, _ := sim.Status(context.Background(), ref)
	if st.ArtifactURL != "https://artifacts.example.com/job-1.apk" {
		t.Fatalf("unexpected artifact url %q", st.ArtifactURL)
	}

	if _, err := sim.Status(context.Background(), "sim-unknown"); err == nil {
		t.Fatalf("expected error for unknown build")
	}
}
