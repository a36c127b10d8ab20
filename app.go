package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	serialport "go.bug.st/serial"
)

// App struct
type App struct {
	ctx context.Context

	uploadMu     sync.Mutex
	uploadCancel context.CancelFunc

	monitorPort serialport.Port
	stopMonitor chan bool
	lineBuffer  string // буфер для накопления неполных строк монитора
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
}

// ListPorts возвращает список COM-портов
func (a *App) ListPorts() ([]string, error) {
	return serialport.GetPortsList()
}

// ListBoards возвращает реестр поддерживаемых плат для выпадающего списка
func (a *App) ListBoards() []Board {
	return boards
}

// ChooseFile открывает диалог выбора готового HEX-файла
func (a *App) ChooseFile() (string, error) {
	return runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Выберите файл прошивки",
		Filters: []runtime.FileFilter{
			{
				DisplayName: "Intel HEX Files",
				Pattern:     "*.hex",
			},
		},
	})
}

// emitProgress отправляет прогресс загрузки в frontend
func (a *App) emitProgress(stage UploadStage, percent int, message string) {
	runtime.EventsEmit(a.ctx, "upload-progress", map[string]interface{}{
		"stage":   stage.String(),
		"percent": percent,
		"message": message,
	})
}

// emitLog отправляет лог сообщение в frontend
func (a *App) emitLog(message string) {
	runtime.EventsEmit(a.ctx, "upload-log", message)
}

// Upload прошивает плату скомпилированным HEX-текстом, полученным от
// сервиса компиляции. Одновременно может идти только одна загрузка.
func (a *App) Upload(portName, boardID, hexText string) error {
	board, err := boardByID(boardID)
	if err != nil {
		return err
	}

	a.uploadMu.Lock()
	if a.uploadCancel != nil {
		a.uploadMu.Unlock()
		return fmt.Errorf("upload already in progress")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.uploadCancel = cancel
	a.uploadMu.Unlock()

	defer func() {
		cancel()
		a.uploadMu.Lock()
		a.uploadCancel = nil
		a.uploadMu.Unlock()
	}()

	// монитор держит порт открытым, на время загрузки его надо отпустить
	a.StopMonitor()

	a.emitLog(fmt.Sprintf("🔗 Загрузка на %s через %s...", board.Name, portName))

	uploader := NewSTK500Uploader(portName, board, a)
	if err := uploader.Upload(ctx, hexText); err != nil {
		a.emitLog(fmt.Sprintf("❌ Ошибка загрузки: %v", err))
		return fmt.Errorf("upload failed: %w", err)
	}

	a.emitLog("✅ Загрузка успешно завершена!")
	return nil
}

// CancelUpload прерывает текущую загрузку. Частично записанная прошивка
// на устройстве не откатывается - откатывать там нечего.
func (a *App) CancelUpload() {
	a.uploadMu.Lock()
	defer a.uploadMu.Unlock()
	if a.uploadCancel != nil {
		a.emitLog("⏹️ Загрузка прервана пользователем")
		a.uploadCancel()
	}
}

// MonitorPort открывает порт и транслирует вывод скетча в frontend построчно
func (a *App) MonitorPort(portName string, baudRate int) error {
	if a.monitorPort != nil {
		a.StopMonitor()
	}

	mode := &serialport.Mode{
		BaudRate: baudRate,
		Parity:   serialport.NoParity,
		DataBits: 8,
		StopBits: serialport.OneStopBit,
	}

	port, err := serialport.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open port for monitoring: %w", err)
	}

	a.monitorPort = port
	a.stopMonitor = make(chan bool, 1)
	a.lineBuffer = ""

	a.emitLog(fmt.Sprintf("🔍 Монитор порта %s (%d бод)", portName, baudRate))

	go a.monitorLoop(port)
	return nil
}

// monitorLoop читает порт и нарезает поток на строки для frontend
func (a *App) monitorLoop(port serialport.Port) {
	defer func() {
		if a.monitorPort != nil {
			a.monitorPort.Close()
			a.monitorPort = nil
		}
	}()

	port.SetReadTimeout(50 * time.Millisecond)
	buffer := make([]byte, 1024)

	for {
		select {
		case <-a.stopMonitor:
			return
		default:
		}

		n, err := port.Read(buffer)
		if err != nil {
			// закрытый порт - штатное завершение, остальное отдаем в UI
			if strings.Contains(err.Error(), "closed") ||
				strings.Contains(err.Error(), "bad file descriptor") {
				return
			}
			runtime.EventsEmit(a.ctx, "monitor-error", err.Error())
			return
		}
		if n == 0 {
			continue
		}

		a.lineBuffer += string(buffer[:n])
		for {
			idx := strings.Index(a.lineBuffer, "\n")
			if idx == -1 {
				break
			}
			line := strings.TrimSpace(a.lineBuffer[:idx])
			a.lineBuffer = a.lineBuffer[idx+1:]
			if line != "" {
				runtime.EventsEmit(a.ctx, "monitor-data", line)
			}
		}

		// скетчи без println копят буфер бесконечно - сливаем как есть
		if len(a.lineBuffer) > 1000 {
			if line := strings.TrimSpace(a.lineBuffer); line != "" {
				runtime.EventsEmit(a.ctx, "monitor-data", line)
			}
			a.lineBuffer = ""
		}
	}
}

// StopMonitor останавливает мониторинг порта
func (a *App) StopMonitor() {
	if a.stopMonitor != nil {
		select {
		case a.stopMonitor <- true:
		default:
		}
		close(a.stopMonitor)
		a.stopMonitor = nil
	}

	// даем горутине время закончить текущее чтение
	time.Sleep(200 * time.Millisecond)

	if a.monitorPort != nil {
		a.monitorPort.Close()
		a.monitorPort = nil
	}
	a.lineBuffer = ""

	runtime.EventsEmit(a.ctx, "monitor-stop", "")
}
