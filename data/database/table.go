package database

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Table interface {
	GetTableName() string
	Collection() *mongo.Collection
}

// EnsureUniqueIndex 为 field 建唯一索引（已存在则忽略）
func EnsureUniqueIndex(ctx context.Context, t Table, field string) error {
	_, err := t.Collection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_" + field),
	})
	return err
}
