package vm

import "sort"

// classSizes lists the upper bound of each small size class, following the
// Go runtime's malloc table. Class 0 is reserved for large objects, which
// are rounded to the slot size instead.
var classSizes = [...]uint64{
	0, 8, 16, 24, 32, 48, 64, 80, 96, 112, 128, 144, 160, 176, 192, 208,
	224, 240, 256, 288, 320, 352, 384, 416, 448, 480, 512, 576, 640, 704,
	768, 896, 1024, 1152, 1280, 1408, 1536, 1792, 2048, 2304, 2688, 3072,
	3200, 3456, 4096, 4864, 5376, 6144, 6528, 6784, 6912, 8192, 9472, 9728,
	10240, 10880, 12288, 13568, 14336, 16384, 18432, 19072, 20480, 21760,
	24576, 27264, 28672, 32768,
}

// MaxSmallSize is the largest size served by a small size class.
const MaxSmallSize = 32768

// NumSizeClasses is the number of size classes including the large class.
const NumSizeClasses uint8 = uint8(len(classSizes))

// SizeToClass returns the size class for an allocation of n bytes and the
// rounded size actually reserved.
func SizeToClass(n uint64) (uint8, uint64) {
	if n == 0 {
		n = 1
	}
	if n > MaxSmallSize {
		return 0, (n + slotSize - 1) &^ (slotSize - 1)
	}
	i := sort.Search(len(classSizes)-1, func(i int) bool {
		return classSizes[i+1] >= n
	}) + 1
	return uint8(i), classSizes[i]
}

// ClassToSize returns the byte size of a small size class, or 0 for the
// large class.
func ClassToSize(class uint8) uint64 {
	if int(class) >= len(classSizes) {
		return 0
	}
	return classSizes[class]
}

// objectBytes is the unrounded footprint of an object with the given
// payload.
func objectBytes(dataSize, numSlots int) uint64 {
	return headerSize + uint64(dataSize) + uint64(numSlots)*slotSize
}
