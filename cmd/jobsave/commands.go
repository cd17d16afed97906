package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"filippo.io/age"
	"golang.org/x/term"

	"github.com/tis24dev/jobsave/internal/cli"
	"github.com/tis24dev/jobsave/internal/credentials"
	"github.com/tis24dev/jobsave/internal/state"
	"github.com/tis24dev/jobsave/pkg/utils"
)

var isTerminal = func(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// sealPassword reads the archive password from in and encrypts it into the
// vault named by args.SealVault.
func sealPassword(args *cli.Args, in *os.File, prompt io.Writer) error {
	if len(args.SealRecipients) > 0 && args.SealPassphraseEnv != "" {
		return errors.New("a passphrase vault cannot have other recipients")
	}
	var recipients []age.Recipient
	for _, r := range args.SealRecipients {
		rcp, err := credentials.ParseRecipient(r)
		if err != nil {
			return err
		}
		recipients = append(recipients, rcp)
	}
	if env := args.SealPassphraseEnv; env != "" {
		passphrase := os.Getenv(env)
		if passphrase == "" {
			return fmt.Errorf("environment variable %s is empty", env)
		}
		rcp, err := credentials.PassphraseRecipient(passphrase)
		if err != nil {
			return err
		}
		recipients = append(recipients, rcp)
	}

	password, err := readPassword(in, prompt)
	if err != nil {
		return err
	}
	defer func() {
		for i := range password {
			password[i] = 0
		}
	}()
	if err := utils.EnsureDir(filepath.Dir(args.SealVault), 0o700); err != nil {
		return err
	}
	return credentials.Seal(args.SealVault, password, recipients...)
}

func readPassword(in *os.File, prompt io.Writer) ([]byte, error) {
	if isTerminal(in) {
		fmt.Fprint(prompt, "Archive password: ")
		pw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, err
		}
		if len(pw) == 0 {
			return nil, errors.New("empty password")
		}
		return pw, nil
	}
	return readPasswordLine(in)
}

func readPasswordLine(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, errors.New("empty password")
	}
	return line, nil
}

func printHistory(w io.Writer, runs []state.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tJOB\tSTATUS\tEXIT\tDURATION\tDELETED\tARCHIVE")
	for _, r := range runs {
		job := r.Job
		if r.Set != "" {
			job = r.Set + "/" + r.Job
		}
		status := r.Status.String()
		if r.DryRun {
			status += " (dry run)"
		}
		archive := filepath.Base(r.ArchivePath)
		if r.ArchivePath == "" {
			archive = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), job, status, r.ExitCode,
			utils.FormatDuration(r.Duration()), r.Deleted, archive)
		if r.Error != "" {
			fmt.Fprintf(tw, "\t\terror: %s\t\t\t\t\n", strings.TrimSpace(r.Error))
		}
	}
	tw.Flush()
}
