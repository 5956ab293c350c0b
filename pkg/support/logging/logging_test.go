// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder(Info)
	Logf(r, Error, "failed %d", 1)
	Logf(r, Info, "compiled %q", "net")
	Logf(r, Verbose, "suppressed")
	require.Equal(t, []Entry{
		{Severity: Error, Msg: "failed 1"},
		{Severity: Info, Msg: `compiled "net"`},
	}, r.Entries())
	require.Equal(t, 1, r.Count(Error))
	require.Equal(t, 0, r.Count(Verbose))

	// A nil logger is accepted.
	require.NotPanics(t, func() { Logf(nil, Error, "nowhere") })
}

func TestFuncAndSeverity(t *testing.T) {
	var got []Severity
	logger := Func(func(severity Severity, _ string) { got = append(got, severity) })
	logger.Log(Warning, "w")
	Klog().Log(Verbose, "not printed unless -v=2")
	require.Equal(t, []Severity{Warning}, got)
	require.Equal(t, "INTERNAL_ERROR", InternalError.String())
	require.Equal(t, "UNKNOWN", Severity(42).String())
}

func TestKlog(t *testing.T) {
	var buf bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&buf)
	defer func() {
		klog.SetOutput(os.Stderr)
		klog.LogToStderr(true)
	}()

	logger := Klog()
	logger.Log(Info, "engine built")
	logger.Log(Warning, "slow tactic")
	logger.Log(Error, "compilation failed")
	logger.Log(Verbose, "tactic timings")
	klog.Flush()
	out := buf.String()
	require.Contains(t, out, "engine built")
	require.Contains(t, out, "slow tactic")
	require.Contains(t, out, "ERROR: compilation failed")
	require.NotContains(t, out, "tactic timings")
}
