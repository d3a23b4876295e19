package config

import "testing"

func TestValidate_RejectsNonPositiveIntervals(t *testing.T) {
	cfg := &Config{
		CacheDirectory:               "/var/cache/hermes-client",
		LoopIntervalSeconds:          0,
		ErrorRetryIntervalSeconds:    300,
		TrashbinPurgeIntervalSeconds: 3600,
		ControlSocketPath:            "/run/hermes-client/control.sock",
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero loop interval")
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := &Config{
		CacheDirectory:               "/var/cache/hermes-client",
		CacheBackupCount:             3,
		LoopIntervalSeconds:          1,
		ErrorRetryIntervalSeconds:    300,
		TrashbinPurgeIntervalSeconds: 3600,
		TrashbinRetentionSeconds:     604800,
		ControlSocketPath:            "/run/hermes-client/control.sock",
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_RejectsEmptyCacheDirectory(t *testing.T) {
	cfg := &Config{
		LoopIntervalSeconds:          1,
		ErrorRetryIntervalSeconds:    300,
		TrashbinPurgeIntervalSeconds: 3600,
		ControlSocketPath:            "/run/hermes-client/control.sock",
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty cache directory")
	}
}

func TestFieldErrors_AcceptsDefaults(t *testing.T) {
	cfg := &Config{
		CacheDirectory:               "/var/cache/hermes-client",
		CacheBackupCount:             3,
		LoopIntervalSeconds:          1,
		ErrorRetryIntervalSeconds:    300,
		TrashbinPurgeIntervalSeconds: 3600,
		TrashbinRetentionSeconds:     604800,
		BusUnavailableBackoffSeconds: 60,
		ForeignKeyPolicy:             ForeignKeyPolicyDisabled,
		Autoremediation:              AutoremediationDisabled,
		ControlSocketPath:            "/run/hermes-client/control.sock",
		ControlSocketMode:            "0660",
	}
	if fieldErrs := FieldErrors(cfg); len(fieldErrs) != 0 {
		t.Fatalf("expected no field errors for a fully valid config, got %v", fieldErrs)
	}
}

func TestFieldErrors_ReportsInvalidEnumAndRange(t *testing.T) {
	cfg := &Config{
		CacheDirectory:               "/var/cache/hermes-client",
		LoopIntervalSeconds:          -1,
		ErrorRetryIntervalSeconds:    300,
		TrashbinPurgeIntervalSeconds: 3600,
		ForeignKeyPolicy:             "bogus",
		ControlSocketPath:            "/run/hermes-client/control.sock",
		ControlSocketMode:            "0660",
	}
	fieldErrs := FieldErrors(cfg)
	if _, ok := fieldErrs["LoopIntervalSeconds"]; !ok {
		t.Errorf("expected a field error for LoopIntervalSeconds, got %v", fieldErrs)
	}
	if _, ok := fieldErrs["ForeignKeyPolicy"]; !ok {
		t.Errorf("expected a field error for ForeignKeyPolicy, got %v", fieldErrs)
	}
}
