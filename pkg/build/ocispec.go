package build

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// maskedPaths and readonlyPaths match what a default OCI bundle hides
// or restricts inside /proc and /sys for an unprivileged build.
var maskedPaths = []string{
	"/proc/kcore",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/sys/firmware",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// SpecOptions configures BuildSpec beyond what's directly derivable
// from a Request: whether this build runs rootless (adding the user
// namespace and its id maps) and the concrete inputs/scratch layout on
// disk relative to the bundle root.
type SpecOptions struct {
	Rootless  bool
	HostUID   uint32
	HostGID   uint32
	SubUID    uint32
	SubGID    uint32
	InputsDir string // not read by BuildSpec; input binds come from Request.InputsDir and Request.Inputs
}

// BuildSpec renders an OCI runtime specification for running req inside
// a bundle. The process, namespace, and mount shape follows the build
// driver's sandboxing contract: no network unless the request allows
// it, a tmpfs /tmp, read-only input binds, and rw scratch binds for
// /build and /nix/store.
func BuildSpec(req *Request, opts SpecOptions) (*specs.Spec, error) {
	env := make([]string, 0, len(req.EnvironmentVars))
	for _, e := range req.EnvironmentVars {
		env = append(env, e.Key+"="+e.Value)
	}

	caps := []string{"CAP_AUDIT_WRITE", "CAP_KILL"}
	if opts.Rootless {
		caps = append(caps, "CAP_SETUID", "CAP_SETGID", "CAP_SYS_CHROOT", "CAP_CHOWN")
	}

	namespaces := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.CgroupNamespace},
	}
	if !req.Constraints.NetworkAccess {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	var uidMappings, gidMappings []specs.LinuxIDMapping
	if opts.Rootless {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.UserNamespace})
		uidMappings = []specs.LinuxIDMapping{
			{ContainerID: 0, HostID: opts.HostUID, Size: 1},
			{ContainerID: 1000, HostID: opts.SubUID, Size: 1},
		}
		gidMappings = []specs.LinuxIDMapping{
			{ContainerID: 0, HostID: opts.HostGID, Size: 1},
			{ContainerID: 1000, HostID: opts.SubGID, Size: 1},
		}
	}

	mounts := defaultMounts()
	mounts = append(mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options:     []string{"nosuid", "noatime", "mode=700"},
	})

	for _, scratch := range req.ScratchPaths {
		mounts = append(mounts, specs.Mount{
			Destination: "/" + scratch,
			Type:        "bind",
			Source:      fmt.Sprintf("scratch/%s", hashScratchName(scratch)),
			Options:     []string{"rbind", "rw"},
		})
	}

	for _, in := range req.Inputs {
		name := string(in.Name())
		mounts = append(mounts, specs.Mount{
			Destination: "/" + req.InputsDir + "/" + name,
			Type:        "bind",
			Source:      "inputs/" + name,
			Options:     []string{"rbind", "ro", "nosuid", "nodev"},
		})
	}

	for _, roPath := range req.Constraints.AvailableROPaths {
		mounts = append(mounts, specs.Mount{
			Destination: roPath,
			Type:        "bind",
			Source:      roPath,
			Options:     []string{"rbind", "ro"},
		})
	}

	if req.Constraints.NetworkAccess {
		for _, hostFile := range []string{"/etc/resolv.conf", "/etc/services", "/etc/hosts"} {
			mounts = append(mounts, specs.Mount{
				Destination: hostFile,
				Type:        "bind",
				Source:      hostFile,
				Options:     []string{"rbind", "ro"},
			})
		}
	}

	uid, gid := uint32(1000), uint32(100)

	spec := &specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: uid, GID: gid},
			Args:     req.CommandArgs,
			Env:      env,
			Cwd:      "/" + req.WorkingDir,
			Rlimits: []specs.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
			NoNewPrivileges: true,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:    caps,
				Effective:   caps,
				Permitted:   caps,
			},
		},
		Root: &specs.Root{
			Path:     "rootfs",
			Readonly: false,
		},
		Hostname: "localhost",
		Mounts:   mounts,
		Linux: &specs.Linux{
			Namespaces:  namespaces,
			UIDMappings: uidMappings,
			GIDMappings: gidMappings,
			MaskedPaths: maskedPaths,
			ReadonlyPaths: readonlyPaths,
		},
	}

	return spec, nil
}

func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{Destination: "/dev", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
		{
			Destination: "/dev/pts",
			Type:        "devpts",
			Source:      "devpts",
			Options:     []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
		},
		{Destination: "/dev/shm", Type: "tmpfs", Source: "shm", Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
		{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue", Options: []string{"nosuid", "noexec", "nodev"}},
		{Destination: "/sys", Type: "sysfs", Source: "sysfs", Options: []string{"nosuid", "noexec", "nodev", "ro"}},
	}
}

// hashScratchName gives each scratch path a filesystem-safe directory
// name under the bundle's scratch/ directory.
func hashScratchName(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r == '/' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
