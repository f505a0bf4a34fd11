package main

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printCommandError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func runRegisterCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("register", stderr)
	var (
		subject  string
		handle   string
		referrer string
	)
	fs.StringVar(&subject, "subject", "", "external subject identifier")
	fs.StringVar(&handle, "handle", "", "optional display handle")
	fs.StringVar(&referrer, "referrer", "", "referrer address or handle")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(subject) == "" {
		return printCommandError(stderr, "--subject is required")
	}
	body := map[string]string{
		"subject":  subject,
		"handle":   handle,
		"referrer": referrer,
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/participants", nil, body, "")
	if err != nil {
		return handleCallError(stderr, err)
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

func runPlaceCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("place", stderr)
	var (
		participant string
		referrer    string
		program     string
		slot        int
		idemKey     string
	)
	fs.StringVar(&participant, "participant", "", "participant address or subject")
	fs.StringVar(&referrer, "referrer", "", "referrer address or handle")
	fs.StringVar(&program, "program", "", "program identifier (binary, matrix or global)")
	fs.IntVar(&slot, "slot", 0, "slot number")
	fs.StringVar(&idemKey, "idempotency-key", "", "optional Idempotency-Key header value")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(participant) == "" {
		return printCommandError(stderr, "--participant is required")
	}
	if strings.TrimSpace(program) == "" {
		return printCommandError(stderr, "--program is required")
	}
	if slot < 1 {
		return printCommandError(stderr, "--slot must be a positive integer")
	}
	body := map[string]any{
		"participant": participant,
		"referrer":    referrer,
		"program":     program,
		"slot":        slot,
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/placements", nil, body, idemKey)
	if err != nil {
		return handleCallError(stderr, err)
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

func runActivateCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("activate", stderr)
	var (
		participant string
		referrer    string
		program     string
		slot        int
		amount      string
		txRef       string
		idemKey     string
	)
	fs.StringVar(&participant, "participant", "", "participant address or subject")
	fs.StringVar(&referrer, "referrer", "", "referrer address or handle")
	fs.StringVar(&program, "program", "", "program identifier (binary, matrix or global)")
	fs.IntVar(&slot, "slot", 0, "slot number")
	fs.StringVar(&amount, "amount", "", "paid amount in base units")
	fs.StringVar(&txRef, "tx", "", "external transaction reference")
	fs.StringVar(&idemKey, "idempotency-key", "", "optional Idempotency-Key header value")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(participant) == "" {
		return printCommandError(stderr, "--participant is required")
	}
	if strings.TrimSpace(program) == "" {
		return printCommandError(stderr, "--program is required")
	}
	if slot < 1 {
		return printCommandError(stderr, "--slot must be a positive integer")
	}
	normalizedAmount, err := normalizeAmount(amount)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if strings.TrimSpace(txRef) == "" {
		return printCommandError(stderr, "--tx is required")
	}
	body := map[string]any{
		"participant": participant,
		"referrer":    referrer,
		"program":     program,
		"slot":        slot,
		"amount":      normalizedAmount,
		"txRef":       txRef,
	}
	result, apiErr, err := apiCall(http.MethodPost, "/v1/activations", nil, body, idemKey)
	if err != nil {
		return handleCallError(stderr, err)
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

func runProgressionCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("progression", stderr)
	var (
		participant string
		program     string
	)
	fs.StringVar(&participant, "participant", "", "participant address")
	fs.StringVar(&program, "program", "", "program identifier (binary, matrix or global)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(participant) == "" {
		return printCommandError(stderr, "--participant is required")
	}
	if strings.TrimSpace(program) == "" {
		return printCommandError(stderr, "--program is required")
	}
	query := url.Values{"program": []string{program}}
	path := "/v1/progression/" + url.PathEscape(strings.TrimSpace(participant))
	result, apiErr, err := apiCall(http.MethodGet, path, query, nil, "")
	if err != nil {
		return handleCallError(stderr, err)
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

func runReserveCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("reserve", stderr)
	var (
		participant string
		program     string
		slot        int
		limit       int
	)
	fs.StringVar(&participant, "participant", "", "participant address")
	fs.StringVar(&program, "program", "", "optional program filter")
	fs.IntVar(&slot, "slot", 0, "slot number to fetch ledger entries for")
	fs.IntVar(&limit, "limit", 0, "maximum entries to return with --slot")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(participant) == "" {
		return printCommandError(stderr, "--participant is required")
	}
	if slot < 0 {
		return printCommandError(stderr, "--slot must be a positive integer")
	}
	if slot > 0 && strings.TrimSpace(program) == "" {
		return printCommandError(stderr, "--program is required with --slot")
	}
	if limit < 0 {
		return printCommandError(stderr, "--limit must not be negative")
	}
	query := url.Values{}
	if strings.TrimSpace(program) != "" {
		query.Set("program", program)
	}
	if slot > 0 {
		query.Set("slot", strconv.Itoa(slot))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/reserves/" + url.PathEscape(strings.TrimSpace(participant))
	result, apiErr, err := apiCall(http.MethodGet, path, query, nil, "")
	if err != nil {
		return handleCallError(stderr, err)
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

func runExportCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printCommandError(stderr, "unexpected positional arguments")
	}
	result, apiErr, err := adminCall(http.MethodPost, "/admin/exports/run")
	if err != nil {
		return handleCallError(stderr, err)
	}
	if apiErr != nil {
		return handleAPIError(stderr, apiErr)
	}
	writeResult(stdout, result)
	return 0
}

// normalizeAmount validates the amount as a positive base-10 integer and
// returns its canonical form.
func normalizeAmount(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return "", fmt.Errorf("--amount must be a base-10 integer")
	}
	if value.Sign() <= 0 {
		return "", fmt.Errorf("--amount must be positive")
	}
	return value.String(), nil
}
