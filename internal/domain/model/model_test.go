package model

import "testing"

func TestParseVerdict(t *testing.T) {
	cases := map[string]Verdict{
		"malicious": VerdictMalicious,
		" Benign ":  VerdictBenign,
		"clean":     VerdictBenign,
		"not ready": VerdictNotReady,
		"NOT_READY": VerdictNotReady,
		"secure":    VerdictSecure,
		"probably":  VerdictUnknown,
		"":          VerdictUnknown,
	}
	for in, want := range cases {
		if got := ParseVerdict(in); got != want {
			t.Fatalf("ParseVerdict(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseLevelAndConfidence(t *testing.T) {
	if ParseLevel("CRITICAL") != LevelCritical || ParseLevel("bogus") != LevelMedium {
		t.Fatalf("ParseLevel mismatch")
	}
	if ParseConfidence("low") != ConfidenceLow || ParseConfidence("critical") != ConfidenceMedium {
		t.Fatalf("ParseConfidence mismatch")
	}
}

func TestParseCapability(t *testing.T) {
	for in, want := range map[string]Capability{
		"network":       CapNetwork,
		"SandboxAgent":  CapSandbox,
		"recon":         CapRecon,
		"live-response": CapLiveResponse,
	} {
		got, ok := ParseCapability(in)
		if !ok || got != want {
			t.Fatalf("ParseCapability(%q) = %s,%v", in, got, ok)
		}
	}
	if _, ok := ParseCapability("quantum"); ok {
		t.Fatalf("expected unknown capability")
	}
	if CapLog.AgentName() != "UserProfilerAgent" {
		t.Fatalf("agent name mismatch")
	}
}
