// Package ussd runs remote USSD jobs: it fetches the job, drives the dialog
// through a Dialer and reports the outcome back to the job API.
package ussd

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/smshook/internal/domain"
)

const stepSeparator = " > "

// Job is the detail served by the job API.
type Job struct {
	ID       string   `json:"id"`
	Operator string   `json:"operator,omitempty"`
	SimSlot  *int     `json:"simSlot,omitempty"`
	Code     string   `json:"code,omitempty"`
	Steps    []string `json:"steps,omitempty"`
	Seq      string   `json:"seq,omitempty"`
}

// Sequence returns the dial sequence: seq when present, otherwise the code
// followed by every step, e.g. "*171# > 7 > 4".
func (j Job) Sequence() (string, error) {
	if seq := strings.TrimSpace(j.Seq); seq != "" {
		return seq, nil
	}
	code := strings.TrimSpace(j.Code)
	if code == "" || j.Steps == nil {
		return "", fmt.Errorf("%w: missing ussd sequence, code/steps or seq required", domain.ErrValidation)
	}
	if len(j.Steps) == 0 {
		return code, nil
	}
	return code + stepSeparator + strings.Join(j.Steps, stepSeparator), nil
}

// Slot is the SIM slot to dial from, 0 when the job does not name one.
func (j Job) Slot() int {
	if j.SimSlot == nil || *j.SimSlot < 0 {
		return 0
	}
	return *j.SimSlot
}

// StepResult is the outcome of one input in the dialog.
type StepResult struct {
	StepNumber int    `json:"stepNumber"`
	StepInput  string `json:"stepInput"`
	Success    bool   `json:"success"`
	Response   string `json:"response"`
	Timestamp  int64  `json:"timestamp"`
}

// Outcome is what the dialer reports for a whole sequence.
type Outcome struct {
	Success   bool         `json:"success"`
	Response  string       `json:"response"`
	Sequence  string       `json:"sequence"`
	Steps     []StepResult `json:"steps"`
	Timestamp int64        `json:"timestamp"`
}
