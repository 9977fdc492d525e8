package model

type (
	// KeyRecord is a DID's published public key material, served by the
	// relay's key directory.
	KeyRecord struct {
		Did           string `json:"did" bson:"did"`
		SigningKey    []byte `json:"signing_key" bson:"signing_key"`
		EncryptionKey []byte `json:"encryption_key" bson:"encryption_key"`
	}
)
