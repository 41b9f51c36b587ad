package protocol

// Variant tags for command and event payloads.
const (
	tagBuild byte = 0x01

	tagBuildResult byte = 0x10
	tagException   byte = 0x11

	tagLogMsg           byte = 0x20
	tagLogStartActivity byte = 0x21
	tagLogStopActivity  byte = 0x22
	tagLogResult        byte = 0x23
)

// LogSettings tells the worker where to deliver the bulk build log.
type LogSettings struct {
	Token string
	Path  string
	Host  string
}

// BuildCommand instructs the worker to realise one derivation. Exactly one
// build command is sent per worker spawn.
type BuildCommand struct {
	DrvPath     string
	InputPaths  []string
	LogSettings LogSettings
}

// Encode serialises the command into a frame payload.
func (c *BuildCommand) Encode() []byte {
	buf := []byte{tagBuild}
	buf = appendString(buf, c.DrvPath)
	buf = appendStringList(buf, c.InputPaths)
	buf = appendString(buf, c.LogSettings.Token)
	buf = appendString(buf, c.LogSettings.Path)
	buf = appendString(buf, c.LogSettings.Host)
	return buf
}

// DecodeCommand parses a command frame payload. The worker side uses this;
// the agent uses it in tests to check the codec round-trips.
func DecodeCommand(payload []byte) (*BuildCommand, error) {
	r := newPayloadReader(payload)

	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	if tag != tagBuild {
		return nil, protocolErrorf("unknown command tag %#x", tag)
	}

	cmd := &BuildCommand{}
	if cmd.DrvPath, err = r.str(); err != nil {
		return nil, err
	}
	if cmd.InputPaths, err = r.stringList(); err != nil {
		return nil, err
	}
	if cmd.LogSettings.Token, err = r.str(); err != nil {
		return nil, err
	}
	if cmd.LogSettings.Path, err = r.str(); err != nil {
		return nil, err
	}
	if cmd.LogSettings.Host, err = r.str(); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, protocolErrorf("%d trailing bytes after command", r.remaining())
	}

	return cmd, nil
}
