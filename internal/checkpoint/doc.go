// Package checkpoint saves and restores model parameters.
//
// A checkpoint file is laid out as:
//
//	[64 bytes: fixed header]
//	  0x00-0x03  magic "REVF"
//	  0x04-0x07  format version (uint32 LE)
//	  0x08-0x0F  reserved
//	  0x10-0x17  JSON header size (uint64 LE)
//	  0x18-0x1F  data size (uint64 LE)
//	  0x20-0x3F  SHA-256 of the data section
//	[JSON header: tensor table, model type, training state, metadata]
//	[padding to a 64-byte boundary]
//	[data: float64 LE values of every tensor, in table order]
//
// Example:
//
//	err := checkpoint.Save("model.revf", m.Parameters(), checkpoint.Header{
//	    ModelType: "autoencoder",
//	    Training:  &checkpoint.TrainingState{Step: 100, Loss: 0.42},
//	})
//
//	ckpt, err := checkpoint.Load("model.revf")
//	err = ckpt.Restore(m.Parameters())
package checkpoint
