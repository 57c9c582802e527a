package extension

import (
	"maps"
	"slices"
	"strconv"
)

// Variables injected into every extension process. They cannot be requested
// through permissions.env.
const (
	EnvSandboxID    = "EXTENSION_SANDBOX_ID"
	EnvHostPID      = "EXTENSION_HOST_PID"
	EnvRoot         = "EXTENSION_ROOT"
	EnvModulesPath  = "NODE_PATH"
	EnvChannelRead  = "EXTENSION_CHANNEL_READ_FD"
	EnvChannelWrite = "EXTENSION_CHANNEL_WRITE_FD"
	EnvChannelCodec = "EXTENSION_CHANNEL_CODEC"
)

// File descriptors of the message channel inside the extension process.
const (
	ChannelReadFD  = 3
	ChannelWriteFD = 4
)

var reservedEnv = []string{
	EnvSandboxID,
	EnvHostPID,
	EnvRoot,
	EnvModulesPath,
	EnvChannelRead,
	EnvChannelWrite,
	EnvChannelCodec,
}

// IsReservedEnv reports whether name is injected by the host.
func IsReservedEnv(name string) bool {
	return slices.Contains(reservedEnv, name)
}

// InjectedEnv returns the host-provided variables for one sandbox.
func InjectedEnv(sandboxID string, hostPID int, root string, modulesPath string, codec string) map[string]string {
	return map[string]string{
		EnvSandboxID:    sandboxID,
		EnvHostPID:      strconv.Itoa(hostPID),
		EnvRoot:         root,
		EnvModulesPath:  modulesPath,
		EnvChannelRead:  strconv.Itoa(ChannelReadFD),
		EnvChannelWrite: strconv.Itoa(ChannelWriteFD),
		EnvChannelCodec: codec,
	}
}

// BuildEnv returns the complete environment of an extension process: the
// permitted variables that are set on the host plus injected. Nothing else
// from the host environment is passed through. The result is sorted.
func BuildEnv(permitted []string, lookup func(string) (string, bool), injected map[string]string) []string {
	env := make(map[string]string, len(permitted)+len(injected))
	if lookup != nil {
		for _, name := range permitted {
			if IsReservedEnv(name) {
				continue
			}
			if value, ok := lookup(name); ok {
				env[name] = value
			}
		}
	}
	maps.Copy(env, injected)

	out := make([]string, 0, len(env))
	for _, name := range slices.Sorted(maps.Keys(env)) {
		out = append(out, name+"="+env[name])
	}
	return out
}
