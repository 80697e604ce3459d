package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// -- Postgres directory --

// pgPatientDirectory reads the records system's patient table, which lives
// in the same tenant schema.
type pgPatientDirectory struct{ pool *pgxpool.Pool }

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &pgPatientDirectory{pool: pool}
}

func (d *pgPatientDirectory) Lookup(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	var p PatientRef
	err := connFor(ctx, d.pool).QueryRow(ctx,
		`SELECT id, birth_date, active FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.BirthDate, &p.Active)
	if err != nil {
		return nil, storageErr("lookup patient", err)
	}
	return &p, nil
}

// -- FHIR HTTP directory --

// fhirPatient is the subset of a FHIR R4 Patient resource the directory needs.
type fhirPatient struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Active       *bool  `json:"active"`
	BirthDate    string `json:"birthDate"`
}

// HTTPPatientDirectory resolves patients against a FHIR server's
// GET /Patient/{id} endpoint.
type HTTPPatientDirectory struct {
	client *resty.Client
}

func NewHTTPPatientDirectory(baseURL string, timeout time.Duration) *HTTPPatientDirectory {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/fhir+json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &HTTPPatientDirectory{client: client}
}

// SetAuthToken sets the bearer token sent with every lookup.
func (d *HTTPPatientDirectory) SetAuthToken(token string) *HTTPPatientDirectory {
	d.client.SetAuthToken(token)
	return d
}

func (d *HTTPPatientDirectory) Lookup(ctx context.Context, id uuid.UUID) (*PatientRef, error) {
	var res fhirPatient
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id.String()).
		SetResult(&res).
		Get("/Patient/{id}")
	if err != nil {
		return nil, fmt.Errorf("%w: patient directory: %v", ErrTransientStorage, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusGone:
		return nil, notFoundf("patient %s", id)
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: patient directory returned %d", ErrTransientStorage, resp.StatusCode())
	case resp.IsError():
		return nil, fmt.Errorf("%w: patient directory returned %d", ErrUpstream, resp.StatusCode())
	case res.ResourceType != "" && res.ResourceType != "Patient":
		return nil, fmt.Errorf("%w: patient directory returned %s resource", ErrTransientStorage, res.ResourceType)
	}

	ref := &PatientRef{ID: id, Active: true}
	if res.Active != nil {
		ref.Active = *res.Active
	}
	if res.BirthDate != "" {
		if bd, err := parseFHIRDate(res.BirthDate); err == nil {
			ref.BirthDate = &bd
		}
	}
	return ref, nil
}

// parseFHIRDate accepts the full, year-month and year-only forms of a FHIR
// date.
func parseFHIRDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid FHIR date: %q", s)
}
