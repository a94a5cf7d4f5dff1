package markinstall

import (
	"github.com/coreos/go-iptables/iptables"
	"github.com/monasticacademy/proxytun/internal/apperr"
	"github.com/monasticacademy/proxytun/internal/runner"
)

// IptablesBackend is the CLI fallback used when the native nft path and the
// nft binary are both unavailable but iptables is present and the process
// is root.
type IptablesBackend struct {
	runner *runner.Runner
	chain  string
}

func (b *IptablesBackend) Describe() string { return "iptables" }

func (b *IptablesBackend) Apply(cfg Config) error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return apperr.New(apperr.MarkInstallFailed, err)
	}

	_ = ipt.ClearChain("mangle", b.chain)
	// ClearChain creates the chain if it doesn't exist, so NewChain here
	// would only ever fail with "already exists" -- ignored.
	_ = ipt.NewChain("mangle", b.chain)

	for _, ip := range cfg.ExcludeIPs {
		if err := ipt.AppendUnique("mangle", b.chain, "-d", ip.String(), "-j", "RETURN"); err != nil {
			return apperr.New(apperr.MarkInstallFailed, err)
		}
	}

	markHex := hexMark(cfg.Mark)
	if err := ipt.AppendUnique("mangle", b.chain, "-p", "tcp", "-j", "MARK", "--set-mark", markHex); err != nil {
		return apperr.New(apperr.MarkInstallFailed, err)
	}

	if err := ipt.InsertUnique("mangle", "OUTPUT", 1, "-j", b.chain); err != nil {
		return apperr.New(apperr.MarkInstallFailed, err)
	}
	return nil
}

func (b *IptablesBackend) RemoveBestEffort() error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil
	}
	_ = ipt.Delete("mangle", "OUTPUT", "-j", b.chain)
	_ = ipt.ClearChain("mangle", b.chain)
	_ = ipt.DeleteChain("mangle", b.chain)
	return nil
}

func hexMark(mark uint32) string {
	const hexdigits = "0123456789abcdef"
	if mark == 0 {
		return "0x0"
	}
	var buf [10]byte
	i := len(buf)
	v := mark
	for v > 0 {
		i--
		buf[i] = hexdigits[v&0xf]
		v >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}
