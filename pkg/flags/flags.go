// Package flags holds the command line flags shared by every process.
package flags

import (
	goflag "flag"
	"fmt"
	"io"

	"github.com/ktlcove/kube-endpoints-controller/pkg/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	klog "k8s.io/klog/v2"
)

// Options are the logging and version flags.
type Options struct {
	LogLevel     string
	LogFormat    string
	PrintVersion bool

	klogFlags *goflag.FlagSet
}

// AddFlags registers the common flags on fs. klog is silenced until Apply
// raises the log level to debug.
func AddFlags(fs *pflag.FlagSet) *Options {
	o := &Options{klogFlags: goflag.NewFlagSet("klog", goflag.ContinueOnError)}
	klog.InitFlags(o.klogFlags)
	_ = o.klogFlags.Set("stderrthreshold", "FATAL")
	_ = o.klogFlags.Set("logtostderr", "false")
	_ = o.klogFlags.Set("alsologtostderr", "false")
	_ = o.klogFlags.Set("v", "0")
	klog.SetOutput(io.Discard)

	fs.StringVar(&o.LogLevel, "log-level", log.InfoLevel.String(),
		"log level, must be one of: panic, fatal, error, warn, info, debug, trace")
	fs.StringVar(&o.LogFormat, "log-format", "plain",
		"log format, must be one of: plain, json")
	fs.BoolVar(&o.PrintVersion, "version", false, "print version and exit")
	return o
}

// Apply configures logrus and klog from the parsed flags. When the version
// was requested it is written to out and exit is true.
func (o *Options) Apply(out io.Writer) (exit bool, err error) {
	if o.PrintVersion {
		fmt.Fprintln(out, version.Version)
		return true, nil
	}

	formatter, err := getFormatter(o.LogFormat)
	if err != nil {
		return false, err
	}
	log.SetFormatter(formatter)

	if err := o.setLogLevel(); err != nil {
		return false, err
	}
	log.Infof("running version %s", version.Version)
	return false, nil
}

func (o *Options) setLogLevel() error {
	level, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log-level: %s", o.LogLevel)
	}
	log.SetLevel(level)

	if level >= log.DebugLevel {
		_ = o.klogFlags.Set("stderrthreshold", "INFO")
		_ = o.klogFlags.Set("logtostderr", "false")
		_ = o.klogFlags.Set("v", "6") // At 7 and higher, authorization tokens get logged.
		// pipe klog entries to logrus
		klog.SetOutput(log.StandardLogger().WriterLevel(log.DebugLevel))
	}
	return nil
}

func getFormatter(format string) (log.Formatter, error) {
	switch format {
	case "json":
		return &log.JSONFormatter{}, nil
	case "plain", "":
		return &log.TextFormatter{FullTimestamp: true}, nil
	default:
		return nil, fmt.Errorf("invalid log-format: %s", format)
	}
}
