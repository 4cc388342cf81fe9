package authresults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSPFFailed        = errors.New("SPF check failed")
	ErrDKIMFailed       = errors.New("DKIM check failed")
	ErrDMARCFailed      = errors.New("DMARC check failed")
	ErrReverseDNSFailed = errors.New("reverse DNS check failed")

	// ErrNoAuthResults is returned when results, or the requested
	// mechanism, are absent.
	ErrNoAuthResults = errors.New("no authentication results available")
)

// ValidationError collects per-mechanism failures from [Validate].
// errors.Is matches each wrapped sentinel.
type ValidationError struct {
	SPF   error
	DKIM  error
	DMARC error
}

func (e *ValidationError) errs() []error {
	var out []error
	for _, err := range []error{e.SPF, e.DKIM, e.DMARC} {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (e *ValidationError) Error() string {
	errs := e.errs()
	if len(errs) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return e.errs()
}

// Validate returns nil when SPF, DKIM and DMARC all pass, or a
// *ValidationError naming each mechanism that did not.
func Validate(results *AuthResults) error {
	if results == nil {
		return ErrNoAuthResults
	}
	verr := &ValidationError{
		SPF:   ValidateSPF(results),
		DKIM:  ValidateDKIM(results),
		DMARC: ValidateDMARC(results),
	}
	if len(verr.errs()) == 0 {
		return nil
	}
	return verr
}

// ValidateSPF checks only SPF.
func ValidateSPF(results *AuthResults) error {
	if results == nil || results.SPF == nil {
		return fmt.Errorf("%w: SPF", ErrNoAuthResults)
	}
	if !passes(results.SPF.Result) {
		return fmt.Errorf("%w: %s", ErrSPFFailed, results.SPF.Result)
	}
	return nil
}

// ValidateDKIM checks that at least one signature passed.
func ValidateDKIM(results *AuthResults) error {
	if results == nil || len(results.DKIM) == 0 {
		return fmt.Errorf("%w: DKIM", ErrNoAuthResults)
	}
	if !dkimPasses(results.DKIM) {
		verdicts := make([]string, len(results.DKIM))
		for i, sig := range results.DKIM {
			verdicts[i] = sig.Result
		}
		return fmt.Errorf("%w: %s", ErrDKIMFailed, strings.Join(verdicts, ","))
	}
	return nil
}

// ValidateDMARC checks only DMARC.
func ValidateDMARC(results *AuthResults) error {
	if results == nil || results.DMARC == nil {
		return fmt.Errorf("%w: DMARC", ErrNoAuthResults)
	}
	if !passes(results.DMARC.Result) {
		return fmt.Errorf("%w: %s", ErrDMARCFailed, results.DMARC.Result)
	}
	return nil
}

// ValidateReverseDNS checks only reverse DNS.
func ValidateReverseDNS(results *AuthResults) error {
	if results == nil || results.ReverseDNS == nil {
		return fmt.Errorf("%w: reverse DNS", ErrNoAuthResults)
	}
	if !passes(results.ReverseDNS.Result) {
		return fmt.Errorf("%w: %s", ErrReverseDNSFailed, results.ReverseDNS.Result)
	}
	return nil
}
