// Package etl orchestrates the extract, load, resolve, and link phases
// against a target analytical database.
//
// The orchestrator never mutates the message source. It opens the source
// read-only, folds every phase error into the returned Result, and persists
// sync watermarks only after the phases that feed them succeed.
package etl

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/db"
	"github.com/kthorn/messagemart/internal/extract"
	"github.com/kthorn/messagemart/internal/identity"
	"github.com/kthorn/messagemart/internal/load"
	"github.com/kthorn/messagemart/internal/snapshot"
	"github.com/kthorn/messagemart/internal/state"
)

// Options carries one run's inputs. Constructed by the caller and passed by
// value; the pipeline holds no state between runs beyond the etl_state table.
type Options struct {
	SourcePath   string
	TargetPath   string
	ContactsPath string // empty disables the contacts phase
	ForceFull    bool   // ignore the incremental watermark

	// Snapshot settings, used by RunWithSnapshot only.
	SnapshotDir      string
	SnapshotMaxAge   int
	ForceNewSnapshot bool
}

// Result reports one pipeline run.
type Result struct {
	Success           bool    `json:"success"`
	Incremental       bool    `json:"incremental"`
	SinceDate         string  `json:"since_date,omitempty"`
	HandlesExtracted  int     `json:"handles_extracted"`
	HandlesLoaded     int     `json:"handles_loaded"`
	MessagesExtracted int     `json:"messages_extracted"`
	MessagesLoaded    int     `json:"messages_loaded"`
	ContactsLoaded    int     `json:"contacts_loaded"`
	MethodsLoaded     int     `json:"contact_methods_loaded"`
	HandlesResolved   int     `json:"handles_resolved"`
	MessagesLinked    int     `json:"messages_linked"`
	SnapshotPath      string  `json:"snapshot_path,omitempty"`
	SnapshotCreated   bool    `json:"snapshot_created"`
	Error             string  `json:"error,omitempty"`
	DurationSeconds   float64 `json:"duration_seconds"`
}

func failed(r Result, start time.Time, err error) Result {
	r.Success = false
	r.Error = err.Error()
	r.DurationSeconds = time.Since(start).Seconds()
	return r
}

// Run executes the pipeline against opts.SourcePath directly. Callers that
// want isolation from a live source should use RunWithSnapshot.
func Run(logger *zap.Logger, opts Options) Result {
	start := time.Now()
	var res Result

	if err := db.Init(opts.TargetPath); err != nil {
		return failed(res, start, fmt.Errorf("failed to initialize target: %w", err))
	}
	target, err := db.Open(opts.TargetPath)
	if err != nil {
		return failed(res, start, fmt.Errorf("failed to open target: %w", err))
	}
	defer target.Close()

	source, err := db.OpenReadOnly(opts.SourcePath)
	if err != nil {
		return failed(res, start, fmt.Errorf("failed to open source: %w", err))
	}
	defer source.Close()

	handles, err := extract.Handles(source)
	if err != nil {
		return failed(res, start, err)
	}
	res.HandlesExtracted = len(handles)
	loaded, err := load.Handles(target, handles)
	if err != nil {
		return failed(res, start, err)
	}
	res.HandlesLoaded = loaded

	since := ""
	if !opts.ForceFull {
		watermark, ok, err := state.Get(target, state.KeyLastMessageDate)
		if err != nil {
			return failed(res, start, err)
		}
		if ok {
			since = watermark
			res.Incremental = true
			res.SinceDate = watermark
		}
	}

	messages, err := extract.Messages(source, since)
	if err != nil {
		return failed(res, start, err)
	}
	res.MessagesExtracted = len(messages)
	inserted, err := load.Messages(target, messages)
	if err != nil {
		return failed(res, start, err)
	}
	res.MessagesLoaded = inserted

	if opts.ContactsPath != "" {
		contactsLoaded, methodsLoaded, err := runContacts(logger, target, opts.ContactsPath)
		if err != nil {
			return failed(res, start, err)
		}
		res.ContactsLoaded = contactsLoaded
		res.MethodsLoaded = methodsLoaded
	}

	resolved, err := identity.ResolveAll(logger, target)
	if err != nil {
		return failed(res, start, err)
	}
	res.HandlesResolved = resolved

	linked, err := load.LinkMessagesToPersons(target)
	if err != nil {
		return failed(res, start, err)
	}
	res.MessagesLinked = linked

	if len(messages) > 0 {
		latest := ""
		for _, m := range messages {
			if m.DateUTC > latest {
				latest = m.DateUTC
			}
		}
		if err := state.Set(target, state.KeyLastMessageDate, latest); err != nil {
			return failed(res, start, err)
		}
	}
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if err := state.Set(target, state.KeyLastSync, now); err != nil {
		return failed(res, start, err)
	}

	res.Success = true
	res.DurationSeconds = time.Since(start).Seconds()
	logger.Info("pipeline run complete",
		zap.Bool("incremental", res.Incremental),
		zap.Int("messages_loaded", res.MessagesLoaded),
		zap.Int("handles_resolved", res.HandlesResolved),
		zap.Float64("duration_seconds", res.DurationSeconds))
	return res
}

// runContacts loads persons and contact methods from the contacts database.
// A missing contacts database is a warning, not a failure: the pipeline can
// run on messages alone and resolve everything as inferred persons.
func runContacts(logger *zap.Logger, target *sql.DB, contactsPath string) (int, int, error) {
	if _, err := os.Stat(contactsPath); err != nil {
		logger.Warn("contacts database unreachable, skipping contacts phase",
			zap.String("path", contactsPath), zap.Error(err))
		return 0, 0, nil
	}

	contacts, err := db.OpenReadOnly(contactsPath)
	if err != nil {
		logger.Warn("failed to open contacts database, skipping contacts phase",
			zap.String("path", contactsPath), zap.Error(err))
		return 0, 0, nil
	}
	defer contacts.Close()

	records, err := extract.Contacts(contacts)
	if err != nil {
		return 0, 0, err
	}
	phones, err := extract.ContactPhones(contacts)
	if err != nil {
		return 0, 0, err
	}
	emails, err := extract.ContactEmails(contacts)
	if err != nil {
		return 0, 0, err
	}

	contactsLoaded, contactToPerson, err := load.PersonsFromContacts(target, records)
	if err != nil {
		return 0, 0, err
	}
	methodsLoaded, err := load.ContactMethods(target, phones, emails, contactToPerson)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	if err := state.Set(target, state.KeyLastContactsSync, now); err != nil {
		return 0, 0, err
	}
	return contactsLoaded, methodsLoaded, nil
}

// RunWithSnapshot snapshots the source first and runs the pipeline against
// the snapshot, never the live file. Snapshot failures become a failed
// Result like any other phase error.
func RunWithSnapshot(logger *zap.Logger, opts Options) Result {
	start := time.Now()
	var res Result

	path, created, err := snapshot.GetOrCreate(logger, opts.SourcePath, opts.SnapshotDir,
		opts.SnapshotMaxAge, opts.ForceNewSnapshot)
	if err != nil {
		return failed(res, start, fmt.Errorf("snapshot failed: %w", err))
	}

	opts.SourcePath = path
	res = Run(logger, opts)
	res.SnapshotPath = path
	res.SnapshotCreated = created
	res.DurationSeconds = time.Since(start).Seconds()
	return res
}

// Status summarizes the target database for the status command and the API.
type Status struct {
	Persons           int               `json:"persons"`
	ContactMethods    int               `json:"contact_methods"`
	Handles           int               `json:"handles"`
	UnresolvedHandles int               `json:"unresolved_handles"`
	InferredPersons   int               `json:"inferred_persons"`
	Messages          int               `json:"messages"`
	SyncState         map[string]string `json:"sync_state"`
}

// GetStatus reads counts and checkpoint keys from an initialized target.
func GetStatus(conn *sql.DB) (Status, error) {
	var st Status
	var err error
	if st.Persons, err = load.PersonCount(conn); err != nil {
		return st, err
	}
	if st.ContactMethods, err = load.ContactMethodCount(conn); err != nil {
		return st, err
	}
	if st.Handles, err = load.HandleCount(conn); err != nil {
		return st, err
	}
	if st.UnresolvedHandles, err = identity.UnresolvedCount(conn); err != nil {
		return st, err
	}
	if st.InferredPersons, err = identity.InferredPersonCount(conn); err != nil {
		return st, err
	}
	if st.Messages, err = load.MessageCount(conn); err != nil {
		return st, err
	}
	if st.SyncState, err = state.All(conn); err != nil {
		return st, err
	}
	return st, nil
}
