package main

import (
	"fmt"
)

// Байтовые константы протокола STK500v1. Таблица общая для всего кода и
// только читается.
const (
	STK_OK      = 0x10
	STK_FAILED  = 0x11
	STK_UNKNOWN = 0x12
	STK_NODEV   = 0x13
	STK_INSYNC  = 0x14
	STK_NOSYNC  = 0x15

	STK_CRC_EOP = 0x20 // завершает каждый кадр команды

	STK_GET_SYNC       = 0x30
	STK_ENTER_PROGMODE = 0x50
	STK_LEAVE_PROGMODE = 0x51
	STK_LOAD_ADDRESS   = 0x55
	STK_PROG_PAGE      = 0x64

	STK_FLASH_MEMTYPE = 0x46 // 'F'

	FLASH_ERASED = 0xFF // значение стертой ячейки flash, им добиваем хвост страницы
)

// containsSyncAck проверяет, что в ответе встречается INSYNC, а где-то
// после него OK. Намеренно нестрогая проверка вместо точного двухбайтового
// кадра: на шумной линии между ними может попасть мусор. Побочный эффект -
// шум, случайно содержащий оба байта в нужном порядке, даст ложное
// срабатывание; на реальных платах такого не наблюдалось.
func containsSyncAck(resp []byte) bool {
	for i, b := range resp {
		if b != STK_INSYNC {
			continue
		}
		for _, c := range resp[i+1:] {
			if c == STK_OK {
				return true
			}
		}
	}
	return false
}

// wantSyncAck - ранний выход из receive: оба байта подтверждения уже пришли
func wantSyncAck(pending []byte) bool {
	return containsSyncAck(pending)
}

// wantTwoBytes - ранний выход из receive: накопилось хотя бы два байта
func wantTwoBytes(pending []byte) bool {
	return len(pending) >= 2
}

// buildLoadAddress собирает кадр LOAD_ADDRESS. AVR flash адресуется
// словами, поэтому байтовый адрес делится на два; младший байт идет первым.
func buildLoadAddress(byteAddr int) []byte {
	word := byteAddr >> 1
	return []byte{STK_LOAD_ADDRESS, byte(word & 0xFF), byte((word >> 8) & 0xFF), STK_CRC_EOP}
}

// buildProgPage собирает кадр PROG_PAGE: длина страницы (старший байт
// первым), тип памяти 'F' и сами данные
func buildProgPage(page []byte) []byte {
	frame := make([]byte, 0, len(page)+5)
	frame = append(frame, STK_PROG_PAGE, byte(len(page)>>8), byte(len(page)&0xFF), STK_FLASH_MEMTYPE)
	frame = append(frame, page...)
	frame = append(frame, STK_CRC_EOP)
	return frame
}

// slicePage вырезает страницу p из образа, добивая неполный хвост
// значением стертой flash
func slicePage(image []byte, addr, pageSize int) []byte {
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = FLASH_ERASED
	}
	end := addr + pageSize
	if end > len(image) {
		end = len(image)
	}
	copy(page, image[addr:end])
	return page
}

// hexDump форматирует байты для трассировочного лога
func hexDump(data []byte) string {
	return fmt.Sprintf("% X", data)
}
