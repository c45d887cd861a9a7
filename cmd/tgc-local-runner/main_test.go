package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestHelpPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"help"}, &stdout, &stderr, time.Now); err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(stdout.String(), "-emergency") {
		t.Fatalf("usage should list flags, got: %s", stdout.String())
	}
}

func TestRejectsZeroTicks(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"-ticks", "0"}, &stdout, &stderr, time.Now); err == nil {
		t.Fatalf("expected zero ticks to be rejected")
	}
}

func TestShortRunWritesReport(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "out", "report.json")
	var stdout, stderr bytes.Buffer
	err := run([]string{
		"-ticks", "5",
		"-interval-ms", "20",
		"-vehicles", "4",
		"-quiet",
		"-report", reportPath,
	}, &stdout, &stderr, time.Now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report runReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Ticks < 5 {
		t.Fatalf("expected at least 5 ticks, got %d", report.Ticks)
	}
	if len(report.ConflictIssues) != 0 {
		t.Fatalf("expected no signal conflicts, got %v", report.ConflictIssues)
	}
	if report.DecisionStats.Rule == 0 {
		t.Fatalf("expected rule-based decisions, got %+v", report.DecisionStats)
	}
	if report.RewardSummary.Steps == 0 {
		t.Fatalf("expected reward steps in the report, got %+v", report.RewardSummary)
	}
	if !strings.Contains(stdout.String(), "final mode") {
		t.Fatalf("expected summary line, got: %s", stdout.String())
	}
}

func TestEmergencyRunRecordsSession(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{
		"-ticks", "12",
		"-interval-ms", "20",
		"-vehicles", "2",
		"-quiet",
		"-emergency",
	}, &stdout, &stderr, time.Now)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
