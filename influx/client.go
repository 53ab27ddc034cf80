// Package influx ships probe rows to an InfluxDB 1.x database and uploads
// thumbnails of the referenced images over SFTP, so a facility dashboard
// can follow every microscope session.
package influx

import (
	"fmt"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/emfacilities/emfac/am"
	"github.com/emfacilities/emfac/errors"
)

// DefaultRetentionPolicy keeps points for twelve weeks.
const DefaultRetentionPolicy = "12w"

// Sections tag every point.
const (
	SectionProperties  = "properties"
	SectionAcquisition = "acquisition"
	SectionSummary     = "summary"
)

// Writer is the subset of the influx client the sink uses.
type Writer interface {
	Write(bp client.BatchPoints) error
	Query(q client.Query) (*client.Response, error)
	Close() error
}

// Dial connects to the [influx] server from the secrets file.
func Dial(s am.InfluxSecrets) (Writer, error) {
	if s.Host == "" {
		return nil, errors.NewInvalidParameter("influx.host", "influx host is not configured")
	}
	scheme := "http"
	if s.SSL {
		scheme = "https"
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:               fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port),
		Username:           s.User,
		Password:           s.Password,
		InsecureSkipVerify: s.SSL && !s.VerifySSL,
		Timeout:            30 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create influx client")
	}
	return c, nil
}

// EnsureDatabase creates db and makes policy (12w, replication 1) its
// default retention policy. Both statements are idempotent.
func EnsureDatabase(w Writer, db, policy string) error {
	stmts := []string{
		fmt.Sprintf("CREATE DATABASE %q", db),
		fmt.Sprintf("CREATE RETENTION POLICY %q ON %q DURATION %s REPLICATION 1 DEFAULT", policy, db, policy),
	}
	for _, q := range stmts {
		resp, err := w.Query(client.NewQuery(q, db, ""))
		if err == nil && resp != nil {
			err = resp.Error()
		}
		if err != nil {
			return errors.Wrapf(err, "influx: %s", q)
		}
	}
	return nil
}

// Point builds one point: measurement is the project, tags are the
// section and id, and the time is t in UTC.
func Point(project, section string, id int64, fields map[string]interface{}, t time.Time) (*client.Point, error) {
	tags := map[string]string{"section": section, "id": fmt.Sprint(id)}
	p, err := client.NewPoint(project, tags, fields, t.UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "build %s point %d", section, id)
	}
	return p, nil
}
