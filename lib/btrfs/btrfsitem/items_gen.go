// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"reflect"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

var keytype2gotype = map[Type]reflect.Type{
	btrfsprim.BLOCK_GROUP_ITEM_KEY:  reflect.TypeOf(BlockGroup{}),
	btrfsprim.CHUNK_ITEM_KEY:        reflect.TypeOf(Chunk{}),
	btrfsprim.DEV_ITEM_KEY:          reflect.TypeOf(Dev{}),
	btrfsprim.DEV_EXTENT_KEY:        reflect.TypeOf(DevExtent{}),
	btrfsprim.DIR_ITEM_KEY:          reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:         reflect.TypeOf(DirEntry{}),
	btrfsprim.XATTR_ITEM_KEY:        reflect.TypeOf(DirEntry{}),
	btrfsprim.ORPHAN_ITEM_KEY:       reflect.TypeOf(Empty{}),
	btrfsprim.TREE_BLOCK_REF_KEY:    reflect.TypeOf(Empty{}),
	btrfsprim.SHARED_BLOCK_REF_KEY:  reflect.TypeOf(Empty{}),
	btrfsprim.FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.QGROUP_RELATION_KEY:   reflect.TypeOf(Empty{}),
	btrfsprim.EXTENT_ITEM_KEY:       reflect.TypeOf(Extent{}),
	btrfsprim.METADATA_ITEM_KEY:     reflect.TypeOf(Metadata{}),
	btrfsprim.EXTENT_CSUM_KEY:       reflect.TypeOf(ExtentCSum{}),
	btrfsprim.EXTENT_DATA_REF_KEY:   reflect.TypeOf(ExtentDataRef{}),
	btrfsprim.EXTENT_DATA_KEY:       reflect.TypeOf(FileExtent{}),
	btrfsprim.INODE_ITEM_KEY:        reflect.TypeOf(Inode{}),
	btrfsprim.INODE_REF_KEY:         reflect.TypeOf(InodeRef{}),
	btrfsprim.QGROUP_INFO_KEY:       reflect.TypeOf(QGroupInfo{}),
	btrfsprim.QGROUP_LIMIT_KEY:      reflect.TypeOf(QGroupLimit{}),
	btrfsprim.QGROUP_STATUS_KEY:     reflect.TypeOf(QGroupStatus{}),
	btrfsprim.ROOT_ITEM_KEY:         reflect.TypeOf(Root{}),
	btrfsprim.ROOT_REF_KEY:          reflect.TypeOf(RootRef{}),
	btrfsprim.ROOT_BACKREF_KEY:      reflect.TypeOf(RootRef{}),
	btrfsprim.SHARED_DATA_REF_KEY:   reflect.TypeOf(SharedDataRef{}),
	btrfsprim.FREE_SPACE_INFO_KEY:   reflect.TypeOf(FreeSpaceInfo{}),
	btrfsprim.FREE_SPACE_BITMAP_KEY: reflect.TypeOf(FreeSpaceBitmap{}),
	btrfsprim.UUID_SUBVOL_KEY:          reflect.TypeOf(UUIDMap{}),
	btrfsprim.UUID_RECEIVED_SUBVOL_KEY: reflect.TypeOf(UUIDMap{}),
}

var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}

func (BlockGroup) isItem()      {}
func (Chunk) isItem()           {}
func (Dev) isItem()             {}
func (DevExtent) isItem()       {}
func (DirEntry) isItem()        {}
func (Empty) isItem()           {}
func (Extent) isItem()          {}
func (Metadata) isItem()        {}
func (ExtentCSum) isItem()      {}
func (ExtentDataRef) isItem()   {}
func (FileExtent) isItem()      {}
func (Inode) isItem()           {}
func (InodeRef) isItem()        {}
func (QGroupInfo) isItem()      {}
func (QGroupLimit) isItem()     {}
func (QGroupStatus) isItem()    {}
func (Root) isItem()            {}
func (RootRef) isItem()         {}
func (SharedDataRef) isItem()   {}
func (FreeSpaceInfo) isItem()   {}
func (FreeSpaceBitmap) isItem() {}
func (FreeSpaceHeader) isItem() {}
func (UUIDMap) isItem()         {}

// deepCopy makes a recursive copy of a value, so that cloned items
// don't alias slices/maps owned by a node that may be recycled.
func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopy(v.Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !out.Field(i).CanSet() {
				continue
			}
			out.Field(i).Set(deepCopy(v.Field(i)))
		}
		return out
	default:
		return v
	}
}

func cloneItem[T any](o T) T {
	return deepCopy(reflect.ValueOf(o)).Interface().(T)
}

func (o BlockGroup) CloneItem() Item     { return cloneItem(o) }
func (o Chunk) CloneItem() Item          { return cloneItem(o) }
func (o Dev) CloneItem() Item            { return cloneItem(o) }
func (o DevExtent) CloneItem() Item      { return cloneItem(o) }
func (o DirEntry) CloneItem() Item       { return cloneItem(o) }
func (o Empty) CloneItem() Item          { return cloneItem(o) }
func (o Extent) CloneItem() Item         { return cloneItem(o) }
func (o Metadata) CloneItem() Item       { return cloneItem(o) }
func (o ExtentCSum) CloneItem() Item     { return cloneItem(o) }
func (o ExtentDataRef) CloneItem() Item  { return cloneItem(o) }
func (o FileExtent) CloneItem() Item     { return cloneItem(o) }
func (o Inode) CloneItem() Item          { return cloneItem(o) }
func (o InodeRef) CloneItem() Item       { return cloneItem(o) }
func (o QGroupInfo) CloneItem() Item     { return cloneItem(o) }
func (o QGroupLimit) CloneItem() Item    { return cloneItem(o) }
func (o QGroupStatus) CloneItem() Item   { return cloneItem(o) }
func (o Root) CloneItem() Item           { return cloneItem(o) }
func (o RootRef) CloneItem() Item        { return cloneItem(o) }
func (o SharedDataRef) CloneItem() Item  { return cloneItem(o) }
func (o FreeSpaceInfo) CloneItem() Item  { return cloneItem(o) }
func (o FreeSpaceBitmap) CloneItem() Item { return cloneItem(o) }
func (o FreeSpaceHeader) CloneItem() Item { return cloneItem(o) }
func (o UUIDMap) CloneItem() Item        { return cloneItem(o) }
