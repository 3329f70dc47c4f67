package health

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/nexus/pkg/engine"
)

// Probe protocols.
const (
	ProtocolTCP   = "tcp"
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// Policy defaults applied to endpoint mappings created without explicit values.
const (
	DefaultEndpoint      = "/up"
	DefaultInterval      = 30
	DefaultTimeout       = 15
	DefaultUpThreshold   = 3
	DefaultDownThreshold = 2
	DefaultProtocol      = ProtocolHTTP
)

// Policy is the health-check configuration of one endpoint mapping.
// Interval and Timeout are in seconds.
type Policy struct {
	Interval      int    `json:"interval" yaml:"interval" validate:"gt=0,lt=600"`
	Timeout       int    `json:"timeout" yaml:"timeout" validate:"gt=0,ltefield=Interval"`
	UpThreshold   int    `json:"up_threshold" yaml:"up_threshold" validate:"gt=0"`
	DownThreshold int    `json:"down_threshold" yaml:"down_threshold" validate:"gt=0"`
	Protocol      string `json:"protocol" yaml:"protocol" validate:"oneof=tcp http https"`
	Endpoint      string `json:"endpoint" yaml:"endpoint" validate:"required,startswith=/"`
}

// DefaultPolicy returns the policy used when none is given.
func DefaultPolicy() Policy {
	return Policy{
		Interval:      DefaultInterval,
		Timeout:       DefaultTimeout,
		UpThreshold:   DefaultUpThreshold,
		DownThreshold: DefaultDownThreshold,
		Protocol:      DefaultProtocol,
		Endpoint:      DefaultEndpoint,
	}
}

// IntervalDuration returns the interval as a duration.
func (p Policy) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

// TimeoutDuration returns the per-probe timeout as a duration.
func (p Policy) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// IsRequestProbe reports whether the protocol issues HTTP(S) requests.
func (p Policy) IsRequestProbe() bool {
	return p.Protocol == ProtocolHTTP || p.Protocol == ProtocolHTTPS
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects out-of-range values. Nothing is clamped.
func (p Policy) Validate() error {
	return ValidateStruct(p)
}

// ValidateStruct runs tag validation on v and converts failures into a
// validation EngineError listing every offending field.
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewValidationError("invalid value", err)
	}

	fields := make([]string, 0, len(verrs))
	ee := engine.NewValidationError("validation failed", nil)
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		ee.WithDetail(fe.Field(), fmt.Sprintf("%v", fe.Value()))
	}
	ee.Message = "validation failed: " + strings.Join(fields, ", ")
	return ee
}
