package errors

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := context.Canceled
	err := Wrap(CodeCanceled, cause, "请求已取消", WithMetadata("session_id", "s1"))

	if !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("cause lost: %v", err)
	}
	if !stdErrors.Is(err, New(CodeCanceled, "")) {
		t.Fatalf("errors.Is should compare codes")
	}
	if got := err.Error(); got != "[CANCELED] 请求已取消: context canceled" {
		t.Fatalf("unexpected message: %q", got)
	}
	if diff := cmp.Diff(map[string]string{"session_id": "s1"}, err.Metadata()); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFindsWrappedError(t *testing.T) {
	inner := New(CodePersistenceFailure, "保存会话失败")
	outer := fmt.Errorf("handle turn: %w", inner)

	got, ok := From(outer)
	if !ok || got.Code() != CodePersistenceFailure {
		t.Fatalf("From did not unwrap: %v %v", got, ok)
	}
	if CodeOf(outer) != CodePersistenceFailure || !IsCode(outer, CodePersistenceFailure) {
		t.Fatalf("CodeOf mismatch")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
	if _, ok := From(nil); ok {
		t.Fatalf("nil is not a coded error")
	}
}

func TestAttributesDriveAlertsAndRetries(t *testing.T) {
	cases := []struct {
		code      Code
		alert     bool
		retryable bool
		severity  Severity
	}{
		{CodePersistenceFailure, true, true, SeverityCritical},
		{CodeUnknown, true, false, SeverityCritical},
		{CodeProviderFailure, false, true, SeverityWarning},
		{CodeResolutionFailure, false, false, SeverityInfo},
		{CodeCanceled, false, false, SeverityInfo},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if ShouldAlert(err) != tc.alert {
			t.Errorf("%s: alert=%v want %v", tc.code, ShouldAlert(err), tc.alert)
		}
		if RetryableError(err) != tc.retryable {
			t.Errorf("%s: retryable=%v want %v", tc.code, RetryableError(err), tc.retryable)
		}
		if SeverityOf(err) != tc.severity {
			t.Errorf("%s: severity=%s want %s", tc.code, SeverityOf(err), tc.severity)
		}
		if err.Message() != AttributesOf(tc.code).Message {
			t.Errorf("%s: empty message should fall back to the registry", tc.code)
		}
	}
}

func TestOverridesAndRegister(t *testing.T) {
	err := New(CodePersistenceFailure, "x", WithAlert(false), WithSeverity(SeverityWarning))
	if err.ShouldAlert() || err.Severity() != SeverityWarning {
		t.Fatalf("overrides ignored: alert=%v severity=%s", err.ShouldAlert(), err.Severity())
	}

	const custom Code = "QUOTE_STALE"
	if AttributesOf(custom) != AttributesOf(CodeUnknown) {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
	Register(custom, Attributes{Message: "quote is stale", Severity: SeverityWarning})
	if got := New(custom, "").Message(); got != "quote is stale" {
		t.Fatalf("registered attributes not used: %q", got)
	}
}

func TestNilErrorIsSafe(t *testing.T) {
	var err *Error
	if err.Error() != "" || err.Code() != CodeUnknown || err.ShouldAlert() || err.Metadata() != nil {
		t.Fatalf("nil receiver should be inert")
	}
	if ShouldAlert(nil) {
		t.Fatalf("nil error must not alert")
	}
}

func TestLogValueGroupsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	err := Wrap(CodeProviderFailure, stdErrors.New("dial tcp"), "行情接口失败",
		WithMetadata("capability", "price"), WithMetadata("attempt", "1"))

	logger.Info("gather", "error", err)

	out := buf.String()
	for _, want := range []string{"error.code=PROVIDER_FAILURE", "error.cause=\"dial tcp\"", "error.attempt=1", "error.capability=price"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
	if strings.Index(out, "error.attempt") > strings.Index(out, "error.capability") {
		t.Fatalf("metadata keys should be sorted: %s", out)
	}
}
