package main

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Размеры страниц flash-памяти
const (
	PAGE_SIZE_STANDARD = 128 // ATmega168/328 и подобные
	PAGE_SIZE_LARGE    = 256 // ATmega2560 и другие платы с большой памятью
)

// UploadStage представляет этап загрузки прошивки.
// Порядок значений фиксирует допустимые переходы: этап может только расти,
// STAGE_ERROR достижим из любого состояния.
type UploadStage int

const (
	STAGE_CONNECTING UploadStage = iota
	STAGE_SYNCING
	STAGE_UPLOADING
	STAGE_VERIFYING
	STAGE_DONE
	STAGE_ERROR
)

func (s UploadStage) String() string {
	switch s {
	case STAGE_CONNECTING:
		return "connecting"
	case STAGE_SYNCING:
		return "syncing"
	case STAGE_UPLOADING:
		return "uploading"
	case STAGE_VERIFYING:
		return "verifying"
	case STAGE_DONE:
		return "done"
	case STAGE_ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// Board описывает плату из статического реестра
type Board struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	BaudRate int    `json:"baudRate"`
}

// boards - реестр поддерживаемых плат. Mega 2560 помечена как stk500v2,
// но загрузка идёт по кадрам v1 - так делает и её штатный загрузчик по
// наблюдаемому поведению; v2-кадры здесь не реализованы.
var boards = []Board{
	{Name: "Arduino Uno", ID: "arduino:avr:uno", Protocol: "stk500v1", BaudRate: 115200},
	{Name: "Arduino Nano", ID: "arduino:avr:nano", Protocol: "stk500v1", BaudRate: 57600},
	{Name: "Arduino Pro Mini", ID: "arduino:avr:pro", Protocol: "stk500v1", BaudRate: 57600},
	{Name: "Arduino Mega 2560", ID: "arduino:avr:mega", Protocol: "stk500v2", BaudRate: 115200},
}

// boardByID находит плату в реестре по идентификатору
func boardByID(id string) (Board, error) {
	for _, b := range boards {
		if b.ID == id {
			return b, nil
		}
	}
	return Board{}, fmt.Errorf("unknown board: %s", id)
}

// pageSize возвращает размер страницы flash для платы
func (b Board) pageSize() int {
	if strings.Contains(b.ID, "mega") {
		return PAGE_SIZE_LARGE
	}
	return PAGE_SIZE_STANDARD
}

// baudCandidates возвращает упорядоченный список скоростей для поиска
// загрузчика. У Nano-класса встречаются два поколения загрузчиков на
// разных скоростях, поэтому пробуем обе.
func (b Board) baudCandidates() []int {
	if strings.Contains(b.Name, "Nano") {
		return []int{115200, 57600}
	}
	return []int{b.BaudRate}
}

// resetStep - один шаг последовательности сброса: состояние линий и выдержка
type resetStep struct {
	dtr  bool
	rts  bool
	hold time.Duration
}

// ResetPattern - именованная последовательность переключений DTR/RTS,
// приводящая контроллер в загрузчик
type ResetPattern struct {
	Name  string
	steps []resetStep
}

// resetPatterns - порядок перебора фиксированный: сначала обе линии,
// потом DTR, потом RTS. Разные USB-UART мосты заводят конденсатор сброса
// на разные линии, поэтому перебираем все варианты.
var resetPatterns = []ResetPattern{
	{
		Name: "DTR+RTS",
		steps: []resetStep{
			{dtr: false, rts: false, hold: 100 * time.Millisecond},
			{dtr: true, rts: true, hold: 100 * time.Millisecond},
			{dtr: false, rts: false, hold: 300 * time.Millisecond},
		},
	},
	{
		Name: "DTR",
		steps: []resetStep{
			{dtr: false, rts: false, hold: 50 * time.Millisecond},
			{dtr: true, rts: false, hold: 50 * time.Millisecond},
			{dtr: false, rts: false, hold: 300 * time.Millisecond},
		},
	},
	{
		Name: "RTS",
		steps: []resetStep{
			{dtr: false, rts: false, hold: 50 * time.Millisecond},
			{dtr: false, rts: true, hold: 50 * time.Millisecond},
			{dtr: false, rts: false, hold: 300 * time.Millisecond},
		},
	},
}

// ProgressCallback интерфейс для коллбеков прогресса
type ProgressCallback interface {
	emitProgress(stage UploadStage, percent int, message string)
	emitLog(message string)
}

// uploaderTimings - тайминги протокольных ожиданий. Все ожидания ответа
// ограничены явным дедлайном: молчащее устройство трактуется как
// отрицательный результат, а не повод зависнуть.
type uploaderTimings struct {
	syncAttempts int
	syncProbe    time.Duration // ожидание ответа на GET_SYNC
	drainWindow  time.Duration // окно сброса мусора после аппаратного сброса
	settle       time.Duration // пауза после закрытия порта между парами
	loadAck      time.Duration // ожидание подтверждения LOAD_ADDRESS
	pageAck      time.Duration // запись страницы медленная, ждём дольше
	leaveAck     time.Duration // ожидание подтверждения LEAVE_PROGMODE
}

func defaultTimings() uploaderTimings {
	return uploaderTimings{
		syncAttempts: 8,
		syncProbe:    300 * time.Millisecond,
		drainWindow:  250 * time.Millisecond,
		settle:       300 * time.Millisecond,
		loadAck:      150 * time.Millisecond,
		pageAck:      700 * time.Millisecond,
		leaveAck:     300 * time.Millisecond,
	}
}

// STK500Uploader - структура для загрузки прошивки в AVR-плату
type STK500Uploader struct {
	portName string
	board    Board
	callback ProgressCallback
	verbose  bool

	// точка подмены транспорта в тестах
	openPort func(name string, mode *serial.Mode) (serial.Port, error)
	patterns []ResetPattern
	timings  uploaderTimings

	stage   UploadStage
	percent int
}

// NewSTK500Uploader создает новый экземпляр загрузчика
func NewSTK500Uploader(portName string, board Board, callback ProgressCallback) *STK500Uploader {
	return &STK500Uploader{
		portName: portName,
		board:    board,
		callback: callback,
		openPort: serial.Open,
		patterns: resetPatterns,
		timings:  defaultTimings(),
		stage:    STAGE_CONNECTING,
	}
}
