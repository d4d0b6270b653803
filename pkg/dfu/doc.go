// Package dfu implements the firmware update data transfer protocol of the
// DFU GATT service.
//
// A peer selects a slot, optionally writes a start offset and sets the
// enable bit of the control register. It then streams fragments to the
// binary stream characteristic, each prefixed with a sequence ID. Accepted
// fragments are buffered and drained to the slot's storage device by
// deferred flush steps, each issuing at most one program call. The service
// asserts the read-only flow-pause control bit while the buffer is above its
// pause watermark, while a slot is being erased and while a padded flush
// drains the buffer. A skipped or repeated sequence ID loses sync; the peer
// learns the expected ID from the status characteristic and resynchronizes
// as configured by ResyncPolicy.
//
// Setting the commit bit drains the remaining bytes, padding the last
// program unit with the erase value, and ends the session. Validating or
// installing the image is left to the application, which reports the
// outcome through SetStatus.
//
// Byte layouts:
//
//	fragment: id(1) payload(n)
//	control:  bit0 enable, bit1 commit, bit2 delta, bit7 flow-pause (read-only)
//	status:   code(1) [extra(1)]; 0x80|id for a lost sync
//	slot:     index(1)
//	offset:   uint32, byte order per Config.OffsetByteOrder
package dfu
