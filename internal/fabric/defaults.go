package fabric

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"

	"github.com/eugenetaranov/daggy/internal/connector"
	"github.com/eugenetaranov/daggy/internal/connector/docker"
	"github.com/eugenetaranov/daggy/internal/connector/local"
	"github.com/eugenetaranov/daggy/internal/connector/ssh"
	"github.com/eugenetaranov/daggy/internal/connector/ssh2"
	"github.com/eugenetaranov/daggy/internal/mux"
	"github.com/eugenetaranov/daggy/internal/provider"
	"github.com/eugenetaranov/daggy/internal/result"
	"github.com/eugenetaranov/daggy/internal/source"
)

// Built-in provider types.
const (
	TypeLocal  = "local"
	TypeSSH    = "ssh"
	TypeSSH2   = "ssh2"
	TypeDocker = "docker"
)

// RegisterDefaults registers the local, ssh, ssh2 and docker types.
func RegisterDefaults(r *Registry) error {
	defaults := []struct {
		typeID      string
		description string
		factory     Factory
	}{
		{TypeLocal, "commands run by the local shell", newLocal},
		{TypeSSH, "commands run over a shared OpenSSH ControlMaster connection", newSSH},
		{TypeSSH2, "commands run over a shared native SSH connection", newSSH2},
		{TypeDocker, "commands run with docker exec in a running container", newDocker},
	}

	for _, d := range defaults {
		if err := r.Register(d.typeID, d.description, d.factory); err != nil {
			return err
		}
	}
	return nil
}

func newLocal(def source.Definition, env Env) (*provider.Provider, error) {
	var opts []local.Option
	if shell := def.Param("shell", ""); shell != "" {
		opts = append(opts, local.WithShell(shell, "-c"))
	}
	if vars := sortedPairs(def.MapParam("env")); len(vars) > 0 {
		opts = append(opts, local.WithEnv(vars...))
	}
	return provider.New(def, provider.Local(local.New(opts...)), env.options()...), nil
}

func newSSH(def source.Definition, env Env) (*provider.Provider, error) {
	key, dial, err := sshTransport(def)
	if err != nil {
		return nil, err
	}
	return provider.New(def, provider.Remote(env.Mux, key, dial), env.options()...), nil
}

func newSSH2(def source.Definition, env Env) (*provider.Provider, error) {
	key, dial, err := ssh2Transport(def)
	if err != nil {
		return nil, err
	}
	return provider.New(def, provider.Remote(env.Mux, key, dial), env.options()...), nil
}

func newDocker(def source.Definition, env Env) (*provider.Provider, error) {
	key, dial, err := dockerTransport(def)
	if err != nil {
		return nil, err
	}
	return provider.New(def, provider.Remote(env.Mux, key, dial), env.options()...), nil
}

func sshTransport(def source.Definition) (mux.Key, mux.Dialer, error) {
	if def.Host == "" {
		return mux.Key{}, nil, result.New(result.ConfigError, "source %q: ssh requires a host", def.Name)
	}
	port, err := def.IntParam("port", 0)
	if err != nil {
		return mux.Key{}, nil, result.Wrap(result.ConfigError, err, "source %q", def.Name)
	}
	timeout, err := def.IntParam("timeout", 10)
	if err != nil {
		return mux.Key{}, nil, result.Wrap(result.ConfigError, err, "source %q", def.Name)
	}

	user := def.Param("user", "")
	keyFile := def.Param("key", "")
	cfgFile := def.Param("config", "")
	control := def.Param("control", "")
	extra := sortedPairs(def.MapParam("options"))

	dial := func() connector.Connector {
		opts := []ssh.Option{
			ssh.WithUser(user),
			ssh.WithPort(port),
			ssh.WithTimeout(timeout),
			ssh.WithKeyFile(keyFile),
			ssh.WithConfigFile(cfgFile),
			ssh.WithOptions(extra...),
		}
		if control != "" {
			opts = append(opts, ssh.WithControlPath(control))
		}
		return ssh.New(def.Host, opts...)
	}

	fields := append([]string{user, strconv.Itoa(port), strconv.Itoa(timeout), keyFile, cfgFile, control}, extra...)
	return mux.Key{Host: def.Host, Identity: identity(TypeSSH, user, port, fields...)}, dial, nil
}

func ssh2Transport(def source.Definition) (mux.Key, mux.Dialer, error) {
	if def.Host == "" {
		return mux.Key{}, nil, result.New(result.ConfigError, "source %q: ssh2 requires a host", def.Name)
	}
	port, err := def.IntParam("port", 0)
	if err != nil {
		return mux.Key{}, nil, result.Wrap(result.ConfigError, err, "source %q", def.Name)
	}
	timeout, err := def.IntParam("timeout", 10)
	if err != nil {
		return mux.Key{}, nil, result.Wrap(result.ConfigError, err, "source %q", def.Name)
	}
	insecure, err := def.BoolParam("insecure", false)
	if err != nil {
		return mux.Key{}, nil, result.Wrap(result.ConfigError, err, "source %q", def.Name)
	}

	user := def.Param("user", "")
	keyFile := def.Param("key", "")
	passphrase := def.Param("passphrase", "")
	password := def.Param("password", "")
	knownHosts := def.Param("known_hosts", "")

	dial := func() connector.Connector {
		opts := []ssh2.Option{ssh2.WithPort(port), ssh2.WithTimeout(timeout)}
		if user != "" {
			opts = append(opts, ssh2.WithUser(user))
		}
		if keyFile != "" {
			opts = append(opts, ssh2.WithKeyFile(keyFile, passphrase))
		}
		if password != "" {
			opts = append(opts, ssh2.WithPassword(password))
		}
		if knownHosts != "" {
			opts = append(opts, ssh2.WithKnownHosts(knownHosts))
		}
		if insecure {
			opts = append(opts, ssh2.WithInsecureHostKey())
		}
		return ssh2.New(def.Host, opts...)
	}

	fields := []string{user, strconv.Itoa(port), strconv.Itoa(timeout), keyFile, passphrase, password, knownHosts, strconv.FormatBool(insecure)}
	return mux.Key{Host: def.Host, Identity: identity(TypeSSH2, user, port, fields...)}, dial, nil
}

func dockerTransport(def source.Definition) (mux.Key, mux.Dialer, error) {
	if def.Host == "" {
		return mux.Key{}, nil, result.New(result.ConfigError, "source %q: docker requires a container name in host", def.Name)
	}

	user := def.Param("user", "")
	workdir := def.Param("workdir", "")
	vars := def.MapParam("env")

	dial := func() connector.Connector {
		var opts []docker.Option
		if user != "" {
			opts = append(opts, docker.WithUser(user))
		}
		if workdir != "" {
			opts = append(opts, docker.WithWorkdir(workdir))
		}
		for k, v := range vars {
			opts = append(opts, docker.WithEnv(k, v))
		}
		return docker.New(def.Host, opts...)
	}

	fields := append([]string{user, workdir}, sortedPairs(vars)...)
	return mux.Key{Host: def.Host, Identity: identity(TypeDocker, user, 0, fields...)}, dial, nil
}

// identity distinguishes transports to one host that are set up
// differently. Every dial setting goes into a digest so that secrets never
// show up in handle names.
func identity(typeID, user string, port int, fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%d:%s;", len(f), f)
	}
	return fmt.Sprintf("%s:%s:%d:%x", typeID, user, port, h.Sum(nil)[:8])
}

// sortedPairs renders a map as KEY=VALUE entries ordered by key.
func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return pairs
}
