package main

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// fakePort - скриптованный serial.Port для тестов. Ответчик устройства
// вешается на onWrite и подкладывает байты в rx, как будто их прислал
// загрузчик.
type fakePort struct {
	baud    int
	onWrite func(p *fakePort, frame []byte)

	mu          sync.Mutex
	rx          bytes.Buffer // устройство -> хост
	frames      [][]byte     // хост -> устройство, кадр на каждый Write
	closed      bool
	readTimeout time.Duration
	dtr, rts    bool
	signalLog   [][2]bool // история состояний (dtr, rts)
}

func (p *fakePort) Read(b []byte) (int, error) {
	deadline := time.Now().Add(p.timeout())
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, errors.New("port closed")
		}
		if p.rx.Len() > 0 {
			n, _ := p.rx.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if !time.Now().Before(deadline) {
			return 0, nil // таймаут чтения, как в go.bug.st/serial
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readTimeout <= 0 {
		return time.Millisecond
	}
	return p.readTimeout
}

func (p *fakePort) Write(b []byte) (int, error) {
	frame := append([]byte(nil), b...)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	if p.onWrite != nil {
		p.onWrite(p, frame)
	}
	return len(b), nil
}

// push подкладывает байты со стороны устройства
func (p *fakePort) push(data []byte) {
	p.mu.Lock()
	p.rx.Write(data)
	p.mu.Unlock()
}

func (p *fakePort) sentFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.frames))
	copy(out, p.frames)
	return out
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// lastResetKind классифицирует примененную последовательность сброса по
// истории сигналов: была ли активна пара линий, только DTR или только RTS
func (p *fakePort) lastResetKind() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kind := ""
	for _, s := range p.signalLog {
		switch {
		case s[0] && s[1]:
			return "DTR+RTS"
		case s[0]:
			kind = "DTR"
		case s[1] && kind == "":
			kind = "RTS"
		}
	}
	return kind
}

func (p *fakePort) SetMode(mode *serial.Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baud = mode.BaudRate
	return nil
}

func (p *fakePort) SetDTR(dtr bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dtr = dtr
	p.signalLog = append(p.signalLog, [2]bool{p.dtr, p.rts})
	return nil
}

func (p *fakePort) SetRTS(rts bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = rts
	p.signalLog = append(p.signalLog, [2]bool{p.dtr, p.rts})
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Drain() error             { return nil }
func (p *fakePort) ResetInputBuffer() error  { return nil }
func (p *fakePort) ResetOutputBuffer() error { return nil }
func (p *fakePort) Break(time.Duration) error {
	return nil
}

func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

// fakeOpener подменяет serial.Open и запоминает все открытые порты
type fakeOpener struct {
	onWrite func(p *fakePort, frame []byte)

	mu    sync.Mutex
	ports []*fakePort
}

func (o *fakeOpener) open(name string, mode *serial.Mode) (serial.Port, error) {
	p := &fakePort{baud: mode.BaudRate, onWrite: o.onWrite}
	o.mu.Lock()
	o.ports = append(o.ports, p)
	o.mu.Unlock()
	return p, nil
}

func (o *fakeOpener) opened() []*fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*fakePort, len(o.ports))
	copy(out, o.ports)
	return out
}

// ackEverything - услужливое устройство: подтверждает любой кадр
func ackEverything(p *fakePort, frame []byte) {
	if len(frame) > 0 {
		p.push([]byte{STK_INSYNC, STK_OK})
	}
}

// testCallback собирает события прогресса и лога
type progressEvent struct {
	stage   UploadStage
	percent int
	message string
}

type testCallback struct {
	mu     sync.Mutex
	events []progressEvent
	logs   []string
}

func (c *testCallback) emitProgress(stage UploadStage, percent int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, progressEvent{stage, percent, message})
}

func (c *testCallback) emitLog(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, message)
}

func (c *testCallback) allEvents() []progressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progressEvent, len(c.events))
	copy(out, c.events)
	return out
}

// fastPatterns - те же последовательности сброса с миллисекундными
// выдержками, чтобы тесты не ждали реальные тайминги
func fastPatterns() []ResetPattern {
	out := make([]ResetPattern, len(resetPatterns))
	for i, p := range resetPatterns {
		steps := make([]resetStep, len(p.steps))
		for j, s := range p.steps {
			steps[j] = resetStep{dtr: s.dtr, rts: s.rts, hold: time.Millisecond}
		}
		out[i] = ResetPattern{Name: p.Name, steps: steps}
	}
	return out
}

func fastTimings() uploaderTimings {
	return uploaderTimings{
		syncAttempts: 3,
		syncProbe:    40 * time.Millisecond,
		drainWindow:  5 * time.Millisecond,
		settle:       5 * time.Millisecond,
		loadAck:      40 * time.Millisecond,
		pageAck:      40 * time.Millisecond,
		leaveAck:     10 * time.Millisecond,
	}
}
