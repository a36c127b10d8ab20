package main

import (
	"strconv"
	"strings"
)

// Типы записей Intel-HEX
const (
	HEX_REC_DATA = 0x00
	HEX_REC_EOF  = 0x01
)

// parseIntelHex разбирает текст в формате Intel-HEX в плоский бинарный
// образ. Учитываются только записи с данными (тип 00); записи конца файла
// и расширенной адресации молча пропускаются - компилятор для AVR отдает
// единый непрерывный сегмент, банкованные адреса здесь не встречаются.
// Контрольная сумма строки не проверяется. Кривые строки тоже молча
// пропускаются: результатом будет укороченный образ, вызывающая сторона
// должна расценивать подозрительно короткий образ как мягкую ошибку.
func parseIntelHex(text string) []byte {
	image := make([]byte, 0, 8192)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		// :BBAAAATT<data>CC - минимум 11 символов
		if len(line) < 11 || line[0] != ':' {
			continue
		}

		count, err := strconv.ParseUint(line[1:3], 16, 8)
		if err != nil {
			continue
		}
		recType, err := strconv.ParseUint(line[7:9], 16, 8)
		if err != nil {
			continue
		}
		if recType != HEX_REC_DATA {
			continue
		}

		end := 9 + int(count)*2
		if len(line) < end {
			continue
		}
		for i := 9; i < end; i += 2 {
			b, err := strconv.ParseUint(line[i:i+2], 16, 8)
			if err != nil {
				break
			}
			image = append(image, byte(b))
		}
	}

	return image
}
