// README: Safety service reads ride history and the record log, evaluates badges, and appends reports.
package safety

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"sakay/internal/notify"
	"sakay/internal/types"
)

const maxDescriptionLen = 1000

var (
	ErrNotFound       = errors.New("safety record not found")
	ErrDriverNotFound = errors.New("driver not found")
	ErrBadRequest     = errors.New("bad request")
	ErrAlreadyClosed  = errors.New("safety record already closed")
)

type Store interface {
	DriverHistory(ctx context.Context, driverID types.ID) (History, error)
	AppendSafetyRecord(ctx context.Context, r *Record) error
	ListSafetyRecords(ctx context.Context, driverID types.ID) ([]Record, error)
	UpdateSafetyRecordStatus(ctx context.Context, id types.ID, status RecordStatus, at time.Time) (*Record, error)
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

type Service struct {
	store    Store
	notifier Notifier
	deskID   types.ID
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewService wires the engine. notifier may be nil; deskID receives SOS alerts.
func NewService(store Store, notifier Notifier, deskID types.ID, log logrus.FieldLogger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		deskID:   deskID,
		log:      log.WithField("module", "safety"),
		now:      time.Now,
	}
}

type ReportCommand struct {
	DriverID    types.ID
	Kind        Kind
	Severity    Severity
	TripID      *types.ID
	Description string
	ReportedBy  types.ID
}

// Assess is the summary view used by the matcher and the badge endpoint.
func (s *Service) Assess(ctx context.Context, driverID types.ID) (Assessment, error) {
	in, err := s.inputs(ctx, driverID)
	if err != nil {
		return Assessment{}, err
	}
	a := Evaluate(in, s.now())
	a.DriverID = driverID
	return a, nil
}

// Profile is the detail view; same evaluation, plus the records.
func (s *Service) Profile(ctx context.Context, driverID types.ID) (Profile, error) {
	in, err := s.inputs(ctx, driverID)
	if err != nil {
		return Profile{}, err
	}
	a := Evaluate(in, s.now())
	a.DriverID = driverID
	records := in.Records
	if records == nil {
		records = []Record{}
	}
	return Profile{Assessment: a, Records: records}, nil
}

func (s *Service) Report(ctx context.Context, cmd ReportCommand) (*Record, error) {
	if cmd.DriverID == "" || cmd.ReportedBy == "" {
		return nil, ErrBadRequest
	}
	switch cmd.Kind {
	case KindIncident, KindComplaint, KindSOS:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, cmd.Kind)
	}
	if cmd.Severity == "" {
		cmd.Severity = SeverityMedium
		if cmd.Kind == KindSOS {
			cmd.Severity = SeverityHigh
		}
	}
	switch cmd.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
	default:
		return nil, fmt.Errorf("%w: unknown severity %q", ErrBadRequest, cmd.Severity)
	}
	if utf8.RuneCountInString(cmd.Description) > maxDescriptionLen {
		return nil, fmt.Errorf("%w: description too long", ErrBadRequest)
	}
	if _, err := s.store.DriverHistory(ctx, cmd.DriverID); err != nil {
		return nil, err
	}

	r := &Record{
		ID:          types.NewID(),
		DriverID:    cmd.DriverID,
		Kind:        cmd.Kind,
		Severity:    cmd.Severity,
		TripID:      cmd.TripID,
		Description: cmd.Description,
		Status:      RecordPending,
		ReportedBy:  cmd.ReportedBy,
		CreatedAt:   s.now(),
	}
	if err := s.store.AppendSafetyRecord(ctx, r); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"driver_id": r.DriverID, "kind": r.Kind, "severity": r.Severity}).Info("safety record appended")

	if r.Kind == KindSOS {
		s.alert(ctx, r)
	}
	return r, nil
}

// Resolve closes a pending record. Closed records are immutable.
func (s *Service) Resolve(ctx context.Context, recordID types.ID, status RecordStatus) (*Record, error) {
	if recordID == "" || (status != RecordResolved && status != RecordDismissed) {
		return nil, ErrBadRequest
	}
	r, err := s.store.UpdateSafetyRecordStatus(ctx, recordID, status, s.now())
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"record_id": r.ID, "status": r.Status}).Info("safety record closed")
	return r, nil
}

func (s *Service) inputs(ctx context.Context, driverID types.ID) (Inputs, error) {
	if driverID == "" {
		return Inputs{}, ErrBadRequest
	}
	h, err := s.store.DriverHistory(ctx, driverID)
	if err != nil {
		return Inputs{}, err
	}
	records, err := s.store.ListSafetyRecords(ctx, driverID)
	if err != nil {
		return Inputs{}, err
	}
	return Inputs{History: h, Records: records}, nil
}

func (s *Service) alert(ctx context.Context, r *Record) {
	if s.notifier == nil || s.deskID == "" {
		return
	}
	data := map[string]string{
		"record_id": string(r.ID),
		"driver_id": string(r.DriverID),
		"kind":      string(r.Kind),
	}
	if r.TripID != nil {
		data["trip_id"] = string(*r.TripID)
	}
	err := s.notifier.Notify(ctx, notify.Message{
		RecipientID: s.deskID,
		Title:       "SOS raised",
		Body:        fmt.Sprintf("SOS reported against driver %s", r.DriverID),
		Data:        data,
		Priority:    notify.PriorityHigh,
	})
	if err != nil {
		s.log.WithError(err).WithField("record_id", r.ID).Error("sos alert delivery failed")
	}
}
