package main

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// manualResetHint - инструкция ручного сброса. Единственный документированный
// обходной путь для плат, у которых линия автосброса не разведена.
const manualResetHint = "зажмите кнопку RESET на плате, запустите загрузку снова и отпустите кнопку, " +
	"как только появится статус «syncing»"

// serialSession владеет открытым портом и его приемником. Создается только
// после успешной синхронизации; пока сессия жива, к порту больше никто не
// прикасается. Разбирается на каждом пути выхода.
type serialSession struct {
	port    serial.Port
	recv    *serialReceiver
	baud    int
	pattern ResetPattern
}

// teardown останавливает насос приема и закрывает порт. Порядок важен:
// сначала насос, чтобы не осталось чтения против закрытого порта.
func (s *serialSession) teardown() {
	s.recv.shutdown()
	s.port.Close()
}

// Upload выполняет полный цикл загрузки прошивки: разбор HEX, поиск
// рабочей комбинации (скорость, сброс), постраничная запись. На любом
// исходе сессия гарантированно разобрана. Загрузка атомарна с точки зрения
// вызывающего: либо успех, либо одна итоговая ошибка.
func (u *STK500Uploader) Upload(ctx context.Context, hexText string) error {
	u.setProgress(STAGE_CONNECTING, 0, "Подготовка прошивки...")

	image := parseIntelHex(hexText)
	if len(image) == 0 {
		u.setProgress(STAGE_ERROR, 0, "Пустой образ прошивки")
		return fmt.Errorf("hex image is empty")
	}
	u.logf("📄 Образ прошивки: %d байт", len(image))
	u.setProgress(STAGE_CONNECTING, 5, "Образ готов")

	session, err := u.synchronize(ctx)
	if err != nil {
		u.setProgress(STAGE_ERROR, 0, "Не удалось связаться с загрузчиком")
		return err
	}
	defer session.teardown()

	if err := u.programImage(ctx, session, image); err != nil {
		u.setProgress(STAGE_ERROR, 0, "Ошибка записи прошивки")
		return err
	}
	return nil
}

// synchronize перебирает пары (скорость, последовательность сброса) в
// фиксированном порядке и возвращает первую, на которой загрузчик ответил.
// Порт каждой неудачной пары закрывается до перехода к следующей.
func (u *STK500Uploader) synchronize(ctx context.Context) (*serialSession, error) {
	u.setProgress(STAGE_SYNCING, 10, "Поиск загрузчика...")

	for _, baud := range u.board.baudCandidates() {
		for _, pattern := range u.patterns {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("upload cancelled: %w", err)
			}

			u.logf("🔄 Попытка синхронизации: %d бод, сброс «%s»...", baud, pattern.Name)

			mode := &serial.Mode{
				BaudRate: baud,
				Parity:   serial.NoParity,
				DataBits: 8,
				StopBits: serial.OneStopBit,
			}
			port, err := u.openPort(u.portName, mode)
			if err != nil {
				u.logf("⚠️ Не удалось открыть %s на %d бод: %v", u.portName, baud, err)
				continue
			}

			session := &serialSession{
				port:    port,
				recv:    newSerialReceiver(port),
				baud:    baud,
				pattern: pattern,
			}
			if u.trySync(ctx, session) {
				u.logf("✅ Синхронизация установлена: %d бод, сброс «%s»", baud, pattern.Name)
				return session, nil
			}

			session.teardown()
			// пауза, чтобы USB-драйвер пережил закрытие порта
			time.Sleep(u.timings.settle)
		}
	}

	u.logf("❌ Загрузчик не отвечает ни на одной комбинации скорости и сброса")
	u.logf("🔧 Ручной сброс: %s", manualResetHint)
	return nil, fmt.Errorf("failed to sync with bootloader on %s: %s", u.portName, manualResetHint)
}

// trySync выполняет аппаратный сброс и до syncAttempts зондирований
// GET_SYNC. На середине бюджета попыток сброс повторяется еще раз: часть
// клонов пропускает первый импульс.
func (u *STK500Uploader) trySync(ctx context.Context, s *serialSession) bool {
	u.applyResetPattern(s.port, s.pattern)
	s.recv.drain(u.timings.drainWindow)

	for attempt := 0; attempt < u.timings.syncAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		if attempt == u.timings.syncAttempts/2 {
			u.applyResetPattern(s.port, s.pattern)
			s.recv.drain(u.timings.drainWindow)
		}

		if err := u.send(s, []byte{STK_GET_SYNC, STK_CRC_EOP}); err != nil {
			return false
		}
		resp := s.recv.receive(u.timings.syncProbe, wantSyncAck)
		u.traceRX(resp)
		if containsSyncAck(resp) {
			return true
		}
	}
	return false
}

// applyResetPattern прогоняет линии DTR/RTS по шагам последовательности
func (u *STK500Uploader) applyResetPattern(port serial.Port, pattern ResetPattern) {
	for _, step := range pattern.steps {
		port.SetDTR(step.dtr)
		port.SetRTS(step.rts)
		time.Sleep(step.hold)
	}
}

// programImage пишет образ в устройство постранично. Потерянные
// подтверждения отдельных команд не прерывают загрузку: ненадежные
// загрузчики регулярно их глотают, а повторная запись страницы невозможна.
func (u *STK500Uploader) programImage(ctx context.Context, s *serialSession, image []byte) error {
	pageSize := u.board.pageSize()
	totalPages := (len(image) + pageSize - 1) / pageSize

	u.setProgress(STAGE_UPLOADING, 20, "Запись прошивки...")
	u.logf("📤 Запись: %d страниц по %d байт...", totalPages, pageSize)

	if err := u.send(s, []byte{STK_ENTER_PROGMODE, STK_CRC_EOP}); err != nil {
		return fmt.Errorf("enter progmode: %w", err)
	}
	if resp := s.recv.receive(u.timings.loadAck, wantTwoBytes); !containsSyncAck(resp) {
		u.logf("⚠️ Нет подтверждения входа в режим программирования, продолжаем")
	}

	for p := 0; p < totalPages; p++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload cancelled: %w", err)
		}

		addr := p * pageSize
		if err := u.loadAddress(s, addr); err != nil {
			return err
		}
		if err := u.progPage(s, slicePage(image, addr, pageSize)); err != nil {
			return err
		}

		percent := 20 + 70*(p+1)/totalPages
		u.setProgress(STAGE_UPLOADING, percent, fmt.Sprintf("Страница %d/%d", p+1, totalPages))
	}

	if err := u.send(s, []byte{STK_LEAVE_PROGMODE, STK_CRC_EOP}); err != nil {
		return fmt.Errorf("leave progmode: %w", err)
	}
	s.recv.receive(u.timings.leaveAck, wantTwoBytes)

	// чтения-проверки записанного нет, этап остается формальным
	u.setProgress(STAGE_VERIFYING, 95, "Завершение...")
	u.setProgress(STAGE_DONE, 100, "Готово")
	u.logf("🎉 Прошивка загружена!")
	return nil
}

// loadAddress отправляет словный адрес страницы (младший байт первым)
func (u *STK500Uploader) loadAddress(s *serialSession, byteAddr int) error {
	if err := u.send(s, buildLoadAddress(byteAddr)); err != nil {
		return fmt.Errorf("load address 0x%04X: %w", byteAddr, err)
	}
	if resp := s.recv.receive(u.timings.loadAck, wantTwoBytes); !containsSyncAck(resp) {
		u.logf("⚠️ Нет подтверждения адреса 0x%04X, продолжаем", byteAddr)
	}
	return nil
}

// progPage отправляет одну страницу. Запись flash на стороне устройства
// медленная, поэтому ожидание заметно длиннее обычного.
func (u *STK500Uploader) progPage(s *serialSession, page []byte) error {
	if err := u.send(s, buildProgPage(page)); err != nil {
		return fmt.Errorf("prog page: %w", err)
	}
	if resp := s.recv.receive(u.timings.pageAck, wantTwoBytes); !containsSyncAck(resp) {
		u.logf("⚠️ Нет подтверждения записи страницы, продолжаем")
	}
	return nil
}

func (u *STK500Uploader) send(s *serialSession, frame []byte) error {
	if u.verbose {
		u.logf("TX %s", hexDump(frame))
	}
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("write to port: %w", err)
	}
	return nil
}

func (u *STK500Uploader) traceRX(data []byte) {
	if u.verbose && len(data) > 0 {
		u.logf("RX %s", hexDump(data))
	}
}

// setProgress отправляет событие прогресса. Этап монотонный (назад не
// откатывается, кроме перехода в STAGE_ERROR, который в порядке значений
// старше всех), процент неубывающий.
func (u *STK500Uploader) setProgress(stage UploadStage, percent int, message string) {
	if stage < u.stage {
		stage = u.stage
	}
	u.stage = stage
	if percent < u.percent {
		percent = u.percent
	}
	u.percent = percent

	if u.callback != nil {
		u.callback.emitProgress(stage, percent, message)
	}
}

func (u *STK500Uploader) logf(format string, args ...interface{}) {
	if u.callback != nil {
		u.callback.emitLog(fmt.Sprintf(format, args...))
	}
}
