package main

import (
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	RECEIVER_READ_TIMEOUT = 20 * time.Millisecond
	RECEIVER_POLL         = 5 * time.Millisecond
)

// serialReceiver - фоновый насос приема. Единственная горутина непрерывно
// читает порт и складывает все пришедшие байты в упорядоченный буфер;
// receive только забирает накопленное от курсора. Так против порта никогда
// не висит второй конкурентный Read: гонка "свежий Read против таймера"
// с брошенным проигравшим теряет или переупорядочивает байты, потому что
// брошенный Read остается живым и может отдать данные позже.
type serialReceiver struct {
	port serial.Port

	mu  sync.Mutex
	buf []byte // append-only, порядок прихода сохраняется
	pos int    // курсор последнего receive

	stop chan struct{}
	done chan struct{}
}

// newSerialReceiver создает приемник и запускает насос
func newSerialReceiver(port serial.Port) *serialReceiver {
	r := &serialReceiver{
		port: port,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	// короткий таймаут, чтобы насос регулярно проверял сигнал остановки
	port.SetReadTimeout(RECEIVER_READ_TIMEOUT)
	go r.pump()
	return r
}

func (r *serialReceiver) pump() {
	defer close(r.done)
	tmp := make([]byte, 256)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n, err := r.port.Read(tmp)
		if n > 0 {
			r.mu.Lock()
			r.buf = append(r.buf, tmp[:n]...)
			r.mu.Unlock()
		}
		// таймаут чтения - это n == 0 без ошибки; ошибка означает,
		// что порт закрывается, и насосу пора на выход
		if err != nil {
			return
		}
	}
}

// receive ждет, пока истечет дедлайн или сработает предикат раннего выхода
// на накопившихся с прошлого вызова байтах, и возвращает их все разом.
// Ни один байт не теряется и не выдается дважды между вызовами.
func (r *serialReceiver) receive(deadline time.Duration, earlyExit func([]byte) bool) []byte {
	end := time.Now().Add(deadline)
	for {
		if earlyExit != nil {
			r.mu.Lock()
			pending := r.buf[r.pos:]
			hit := earlyExit(pending)
			r.mu.Unlock()
			if hit {
				break
			}
		}
		if !time.Now().Before(end) {
			break
		}
		time.Sleep(RECEIVER_POLL)
	}

	r.mu.Lock()
	out := append([]byte(nil), r.buf[r.pos:]...)
	r.pos = len(r.buf)
	r.mu.Unlock()
	return out
}

// drain выбрасывает все, что придет за окно window (мусор загрузочного
// баннера после аппаратного сброса)
func (r *serialReceiver) drain(window time.Duration) {
	r.receive(window, nil)
}

// shutdown останавливает насос и дожидается его завершения. После выхода
// из shutdown порт можно закрывать: ни одного чтения против него уже нет.
func (r *serialReceiver) shutdown() {
	close(r.stop)
	<-r.done
}
