package apisix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// DeleteMark keeps the upstream and flags it for manual removal.
	DeleteMark = "mark"
	// DeleteRemove removes the upstream.
	DeleteRemove = "delete"

	deleteSentinel = "# KER WARNING ! to delete !"

	defaultWeight  = 10
	defaultTimeout = 10 * time.Second
)

// Options are the keyword arguments of an apisix hook declaration.
type Options struct {
	AdminURL    string `json:"admin_url"`
	APIKey      string `json:"api_key"`
	ClusterName string `json:"cluster_name,omitempty"`
	// CreateUpstreams defaults to true.
	CreateUpstreams *bool `json:"create_ups,omitempty"`
	// UpstreamDefaults is merged into the body of every upstream created.
	UpstreamDefaults map[string]any `json:"create_ups_args,omitempty"`
	// DefaultWeight defaults to 10. Zero drains the nodes.
	DefaultWeight   *int   `json:"default_weight,omitempty"`
	DeleteEndpoints string `json:"delete_endpoints,omitempty"`
	// Timeout bounds every admin API request.
	Timeout *metav1.Duration `json:"timeout,omitempty"`
}

func defaultUpstream() map[string]any {
	return map[string]any{
		"retries": 1,
		"timeout": map[string]any{
			"connect": 15,
			"send":    15,
			"read":    15,
		},
		"type": "roundrobin",
		"desc": "Auto created by KER.",
	}
}

// decodeOptions converts declared keyword arguments into Options, rejecting
// unknown keys.
func decodeOptions(kwargs map[string]any) (Options, error) {
	var opts Options
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return opts, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&opts); err != nil {
		return opts, fmt.Errorf("invalid arguments: %w", err)
	}
	return opts, nil
}

func (o *Options) setDefaults(clusterName string) {
	if o.ClusterName == "" {
		o.ClusterName = clusterName
	}
	if o.CreateUpstreams == nil {
		create := true
		o.CreateUpstreams = &create
	}
	if o.UpstreamDefaults == nil {
		o.UpstreamDefaults = defaultUpstream()
	}
	if o.DefaultWeight == nil {
		weight := defaultWeight
		o.DefaultWeight = &weight
	}
	if o.DeleteEndpoints == "" {
		o.DeleteEndpoints = DeleteMark
	}
	if o.Timeout == nil {
		o.Timeout = &metav1.Duration{Duration: defaultTimeout}
	}
	o.AdminURL = strings.TrimRight(o.AdminURL, "/") + "/"
}

func (o *Options) validate() error {
	if o.AdminURL == "/" {
		return fmt.Errorf("admin_url is required")
	}
	if u, err := url.Parse(o.AdminURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("admin_url %q is not an absolute URL", o.AdminURL)
	}
	if o.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if o.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}
	if *o.DefaultWeight < 0 {
		return fmt.Errorf("default_weight must not be negative, got %d", *o.DefaultWeight)
	}
	switch o.DeleteEndpoints {
	case DeleteMark, DeleteRemove:
	default:
		return fmt.Errorf("delete_endpoints must be one of %s, %s, got %q", DeleteMark, DeleteRemove, o.DeleteEndpoints)
	}
	if o.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", o.Timeout.Duration)
	}
	return nil
}
