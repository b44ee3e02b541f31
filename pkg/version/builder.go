package version

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Environment variables that pin the builder version without running the
// builder binary.
const (
	EnvBuilderVersion = "TOLLGATE_BUILDER_VERSION"
	EnvJDKVersion     = "TOLLGATE_JDK_VERSION"
	EnvBuilderBinary  = "TOLLGATE_BUILDER_BINARY"
)

// Info is the resolved identity of the native image builder.
type Info struct {
	Builder Version `json:"builder"`
	JDK     Version `json:"jdk"`
	Raw     string  `json:"raw,omitempty"`
}

type onceInfo struct {
	once sync.Once
	info Info
	err  error
}

var (
	builderMu sync.Mutex
	builder   = &onceInfo{}
)

// Builder returns the builder version, resolving it on first use. Every
// caller in the process observes the same value until ResetForTesting.
func Builder() (Info, error) {
	builderMu.Lock()
	o := builder
	builderMu.Unlock()

	o.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.info, o.err = resolveBuilder(ctx)
	})
	return o.info, o.err
}

// ResetForTesting discards the cached builder version.
func ResetForTesting() {
	builderMu.Lock()
	builder = &onceInfo{}
	builderMu.Unlock()
}

func resolveBuilder(ctx context.Context) (Info, error) {
	if v := os.Getenv(EnvBuilderVersion); v != "" {
		b, err := Parse(v)
		if err != nil {
			return Info{}, fmt.Errorf("%s: %w", EnvBuilderVersion, err)
		}
		info := Info{Builder: b, Raw: v}
		if j := os.Getenv(EnvJDKVersion); j != "" {
			if info.JDK, err = Parse(j); err != nil {
				return Info{}, fmt.Errorf("%s: %w", EnvJDKVersion, err)
			}
		}
		return info, nil
	}

	bin := os.Getenv(EnvBuilderBinary)
	if bin == "" {
		bin = "native-image"
	}
	out, err := exec.CommandContext(ctx, bin, "--version").CombinedOutput()
	if err != nil {
		return Info{}, fmt.Errorf("run %s --version: %w", bin, err)
	}
	return ParseBuilderOutput(string(out))
}

var (
	builderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Mandrel-(\d+(?:\.\d+)*)`),
		regexp.MustCompile(`native-image (\d+\.\d+\.\d+)\S* Mandrel`),
		regexp.MustCompile(`GraalVM (?:CE )?(\d+\.\d+\.\d+) Java`),
		regexp.MustCompile(`jvmci-(\d+\.\d+)`),
	}
	jdkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Java Version (\d+(?:\.\d+)*)`),
		regexp.MustCompile(`\(build (\d+(?:\.\d+)*)`),
		regexp.MustCompile(`Java (\d+)`),
	}
)

// ParseBuilderOutput extracts builder and JDK versions from the output of
// `native-image --version`.
func ParseBuilderOutput(out string) (Info, error) {
	info := Info{Raw: strings.TrimSpace(out)}
	for _, re := range builderPatterns {
		if m := re.FindStringSubmatch(out); m != nil {
			v, err := Parse(m[1])
			if err == nil {
				info.Builder = v
				break
			}
		}
	}
	if info.Builder.IsZero() {
		return Info{}, fmt.Errorf("no builder version in %q", firstLine(out))
	}
	for _, re := range jdkPatterns {
		if m := re.FindStringSubmatch(out); m != nil {
			if v, err := Parse(m[1]); err == nil {
				info.JDK = v
				break
			}
		}
	}
	return info, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
